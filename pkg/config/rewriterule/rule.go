package rewriterule

import (
	"errors"
	"fmt"
	"io"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
)

var v1alpha1RewriteRule = metav1.TypeMeta{
	Kind:       "RewriteRule",
	APIVersion: "rewire.authzed.com/v1alpha1",
}

const lookahead = 100

// Config is a typed wrapper around a Spec, as it is read from the rule file
// given to the proxy on start.
type Config struct {
	metav1.TypeMeta `json:",inline"`
	Spec            `json:",inline"`
}

// Spec maps every request under Mount to Base/SubPath/<rest of the path>.
// With a Lookup, a rewired call is made first and the selected value is
// inserted after SubPath.
type Spec struct {
	Name    string   `json:"name"`
	Mount   string   `json:"mount"`
	Methods []string `json:"methods,omitempty"`
	Base    string   `json:"base"`
	SubPath string   `json:"subPath,omitempty"`
	Lookup  *Lookup  `json:"lookup,omitempty"`
}

// Lookup is an internal call whose JSON response decides the target.
// Path and header values are literals or `{{ jmespath }}` expressions over
// the incoming request; Select is always a jmespath expression over the
// lookup response body.
type Lookup struct {
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Select  string            `json:"select"`
}

func (c Config) String() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Mount
}

// Validate reports structural problems; expressions are checked when the
// rule is compiled.
func (c Config) Validate() []error {
	var errs []error
	if c.TypeMeta != v1alpha1RewriteRule {
		errs = append(errs, fmt.Errorf("rule %s: unsupported kind %q in %q", c, c.Kind, c.APIVersion))
	}
	if !strings.HasPrefix(c.Mount, "/") {
		errs = append(errs, fmt.Errorf("rule %s: mount must be an absolute path", c))
	}
	if len(c.Base) == 0 {
		errs = append(errs, fmt.Errorf("rule %s: base is required", c))
	}
	if c.Lookup != nil {
		if len(c.Lookup.Path) == 0 {
			errs = append(errs, fmt.Errorf("rule %s: lookup path is required", c))
		}
		if len(c.Lookup.Select) == 0 {
			errs = append(errs, fmt.Errorf("rule %s: lookup select is required", c))
		}
	}
	return errs
}

func Parse(reader io.Reader) ([]Config, error) {
	decoder := utilyaml.NewYAMLOrJSONDecoder(reader, lookahead)
	var (
		rules []Config
		rule  Config
	)
	for err := decoder.Decode(&rule); !errors.Is(err, io.EOF); err = decoder.Decode(&rule) {
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
		rule = Config{}
	}
	return rules, nil
}
