package proxy

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	genericapiserver "k8s.io/apiserver/pkg/server"
	apiserveroptions "k8s.io/apiserver/pkg/server/options"
	utilfeature "k8s.io/apiserver/pkg/util/feature"
	"k8s.io/client-go/rest"
	"k8s.io/component-base/logs"
	logsv1 "k8s.io/component-base/logs/api/v1"
	"k8s.io/klog/v2"

	"github.com/authzed/rewire/pkg/config/rewriterule"
	"github.com/authzed/rewire/pkg/rules"
)

type Options struct {
	SecureServing apiserveroptions.SecureServingOptionsWithLoopback
	Logs          *logs.Options

	UpstreamURL    string
	Upstream       *url.URL
	RuleConfigFile string
	Rules          []*rules.RunnableRule

	CertDir string

	ServingInfo          *genericapiserver.SecureServingInfo
	LoopbackClientConfig *rest.Config
}

const tlsCertificatePairName = "tls"

func NewOptions() *Options {
	o := &Options{
		SecureServing: *apiserveroptions.NewSecureServingOptions().WithLoopback(),
		Logs:          logsv1.NewLoggingConfiguration(),
	}
	o.Logs.Verbosity = logsv1.VerbosityLevel(2)
	o.SecureServing.BindPort = 8443
	o.SecureServing.ServerCert.PairName = tlsCertificatePairName
	return o
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.SecureServing.AddFlags(fs)
	logsv1.AddFlags(o.Logs, fs)
	fs.StringVar(&o.UpstreamURL, "upstream", o.UpstreamURL, "The URL of the server that requests not handled by a rewrite rule, and rewritten requests, are proxied to.")
	fs.StringVar(&o.RuleConfigFile, "rule-config", "", "The path to a file containing rewrite rule configuration")
	fs.StringVar(&o.CertDir, "cert-dir", o.CertDir, "The directory relative certificate directories are resolved against.")
}

func (o *Options) Complete(ctx context.Context) error {
	if err := logsv1.ValidateAndApply(o.Logs, utilfeature.DefaultFeatureGate); err != nil {
		return err
	}

	if o.Rules == nil {
		var err error
		o.Rules, err = loadRules(o.RuleConfigFile)
		if err != nil {
			return err
		}
		klog.FromContext(ctx).WithValues("rule-config", o.RuleConfigFile).Info("loaded rewrite rules", "count", len(o.Rules))
	}

	if o.Upstream == nil && len(o.UpstreamURL) > 0 {
		upstream, err := url.Parse(o.UpstreamURL)
		if err != nil {
			return fmt.Errorf("unable to parse upstream URL: %w", err)
		}
		o.Upstream = upstream
		klog.FromContext(ctx).WithValues("upstream", o.UpstreamURL).Info("proxying unmatched requests upstream")
	}

	if !filepath.IsAbs(o.SecureServing.ServerCert.CertDirectory) {
		o.SecureServing.ServerCert.CertDirectory = filepath.Join(o.CertDir, o.SecureServing.ServerCert.CertDirectory)
	}

	if err := o.SecureServing.MaybeDefaultWithSelfSignedCerts("localhost", nil, nil); err != nil {
		return err
	}

	return o.SecureServing.ApplyTo(&o.ServingInfo, &o.LoopbackClientConfig)
}

func loadRules(path string) ([]*rules.RunnableRule, error) {
	ruleFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't open rule config file: %w", err)
	}
	defer ruleFile.Close()

	ruleConfigs, err := rewriterule.Parse(ruleFile)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse rule config file: %w", err)
	}

	var errs []error
	for _, c := range ruleConfigs {
		errs = append(errs, c.Validate()...)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid rule config: %w", utilerrors.NewAggregate(errs))
	}

	compiled := make([]*rules.RunnableRule, 0, len(ruleConfigs))
	for _, c := range ruleConfigs {
		rule, err := rules.Compile(c)
		if err != nil {
			return nil, fmt.Errorf("couldn't compile rule %s: %w", c.String(), err)
		}
		compiled = append(compiled, rule)
	}
	return compiled, nil
}

func (o *Options) Validate() []error {
	var errs []error

	if len(o.RuleConfigFile) == 0 && o.Rules == nil {
		errs = append(errs, fmt.Errorf("--rule-config is required"))
	}

	if len(o.UpstreamURL) > 0 {
		if u, err := url.Parse(o.UpstreamURL); err != nil {
			errs = append(errs, fmt.Errorf("--upstream is not a valid URL: %w", err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("--upstream must be an http or https URL, got %q", o.UpstreamURL))
		}
	}

	errs = append(errs, o.SecureServing.Validate()...)

	return errs
}
