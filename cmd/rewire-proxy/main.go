package main

import (
	"context"
	goflags "flag"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/util/errors"
	genericapiserver "k8s.io/apiserver/pkg/server"
	"k8s.io/component-base/cli"
	utilflag "k8s.io/component-base/cli/flag"
	_ "k8s.io/component-base/logs/json/register"
	"k8s.io/component-base/version"

	"github.com/authzed/rewire/pkg/proxy"
)

func main() {
	ctx := genericapiserver.SetupSignalContext()

	pflag.CommandLine.SetNormalizeFunc(utilflag.WordSepNormalizeFunc)
	pflag.CommandLine.AddGoFlagSet(goflags.CommandLine)

	os.Exit(cli.Run(NewProxyCommand(ctx)))
}

func NewProxyCommand(ctx context.Context) *cobra.Command {
	options := proxy.NewOptions()
	cmd := &cobra.Command{
		Use:   "rewire-proxy",
		Short: "Rewrites request paths in-process before proxying them upstream.",
		Long: `rewire-proxy serves a set of rewrite rules in front of an upstream server.
Each rule mounts a path prefix and redirects matching requests under another
base path inside the proxy, optionally after an internal lookup call whose
JSON response selects part of the target path. Requests that no rule handles,
and all rewritten requests, are proxied to --upstream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if errs := options.Validate(); errs != nil {
				return errors.NewAggregate(errs)
			}
			if err := options.Complete(ctx); err != nil {
				return err
			}

			server, err := proxy.NewServer(ctx, *options)
			if err != nil {
				return err
			}

			return server.Run(ctx)
		},
	}

	options.AddFlags(cmd.Flags())

	if v := version.Get().String(); len(v) == 0 {
		cmd.Version = "<unknown>"
	} else {
		cmd.Version = v
	}

	return cmd
}
