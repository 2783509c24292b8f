// Package rules compiles rewrite rule configs into handlers that redirect
// requests inside the application.
package rules

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/kyverno/go-jmespath"
	"k8s.io/apimachinery/pkg/util/json"
	"k8s.io/apiserver/pkg/endpoints/request"
	"k8s.io/klog/v2"

	"github.com/authzed/rewire/pkg/config/rewriterule"
	"github.com/authzed/rewire/pkg/rewire"
)

// ResolveInput is the data lookup path and header expressions are
// evaluated against. Path is relative to the rule's mount.
type ResolveInput struct {
	Method  string               `json:"method"`
	Path    string               `json:"path"`
	Query   url.Values           `json:"query"`
	Headers http.Header          `json:"headers"`
	Request *request.RequestInfo `json:"request,omitempty"`
}

func NewResolveInputFromHttp(req *http.Request) *ResolveInput {
	input := &ResolveInput{
		Method:  req.Method,
		Path:    req.URL.Path,
		Query:   req.URL.Query(),
		Headers: req.Header.Clone(),
	}
	if info, ok := request.RequestInfoFrom(req.Context()); ok {
		input.Request = info
	}
	return input
}

// Resolve evaluates expr over v after a round trip through JSON, so that
// struct inputs and decoded bodies look the same to jmespath.
func Resolve(expr *jmespath.JMESPath, v any) (any, error) {
	// It would be nice to not have to marshal/unmarshal this data, it might
	// be saner to document a nested map format and use it directly as input.
	byteIn, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error converting input: %w", err)
	}
	var data any
	if err := json.Unmarshal(byteIn, &data); err != nil {
		return nil, fmt.Errorf("error converting input: %w", err)
	}
	return expr.Search(data)
}

// ResolveString is Resolve for expressions that must produce a single
// string or number.
func ResolveString(expr *jmespath.JMESPath, v any) (string, error) {
	out, err := Resolve(expr, v)
	if err != nil {
		return "", err
	}
	switch t := out.(type) {
	case nil:
		return "", fmt.Errorf("expression returned no value")
	case string:
		return t, nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("expression returned %T, expected a string", out)
	}
}

// RunnableRule is a rewrite rule with its expressions compiled and its
// Rewirer built.
type RunnableRule struct {
	Name    string
	Mount   string
	Methods []string
	SubPath string
	Rewirer *rewire.Rewirer
	Lookup  *Lookup

	// root issues lookup calls, which take absolute application paths.
	root *rewire.Rewirer
}

// Lookup is a compiled rewriterule.Lookup.
type Lookup struct {
	Method  string
	Path    *jmespath.JMESPath
	Headers map[string]*jmespath.JMESPath
	Select  *jmespath.JMESPath
}

// Compile creates a RunnableRule from a passed in config object. All
// jmespath expressions are pre-compiled and stored.
func Compile(config rewriterule.Config, opts ...rewire.Option) (*RunnableRule, error) {
	runnable := &RunnableRule{
		Name:    config.String(),
		Mount:   strings.TrimSuffix(config.Mount, "/"),
		SubPath: config.SubPath,
		Rewirer: rewire.New(config.Base, opts...),
		root:    rewire.New("/", opts...),
	}
	for _, m := range config.Methods {
		runnable.Methods = append(runnable.Methods, strings.ToUpper(m))
	}
	if config.Lookup == nil {
		return runnable, nil
	}

	lookup := &Lookup{
		Method:  strings.ToUpper(config.Lookup.Method),
		Headers: make(map[string]*jmespath.JMESPath, len(config.Lookup.Headers)),
	}
	if lookup.Method == "" {
		lookup.Method = http.MethodGet
	}

	var err error
	lookup.Path, err = CompileJMESPathExpression(config.Lookup.Path)
	if err != nil {
		return nil, fmt.Errorf("error compiling lookup path %q: %w", config.Lookup.Path, err)
	}
	for k, v := range config.Lookup.Headers {
		lookup.Headers[k], err = CompileJMESPathExpression(v)
		if err != nil {
			return nil, fmt.Errorf("error compiling lookup header %q: %w", k, err)
		}
	}
	lookup.Select, err = jmespath.Compile(config.Lookup.Select)
	if err != nil {
		return nil, fmt.Errorf("error compiling lookup select %q: %w", config.Lookup.Select, err)
	}

	runnable.Lookup = lookup
	return runnable, nil
}

// CompileJMESPathExpression checks to see if its argument is an expression of
// the form `{{ ... }}` where ... is a JMESPath expression. If the argument
// doesn't appear to be an expression, it is returned as a literal expression.
func CompileJMESPathExpression(expr string) (*jmespath.JMESPath, error) {
	expr = strings.TrimSpace(expr)
	expr, hasPrefix := strings.CutPrefix(expr, "{{")
	expr, hasSuffix := strings.CutSuffix(expr, "}}")
	if !hasPrefix || !hasSuffix {
		// Return the expression that returns a literal
		// This makes downstream processing simple (everything is an expression)
		// but is low-hanging fruit for optimization if needed in the future.
		return jmespath.Compile("'" + strings.ReplaceAll(expr, "'", `\'`) + "'")
	}
	return jmespath.Compile(expr)
}

// Patterns are the ServeMux patterns the rule is registered under.
func (r *RunnableRule) Patterns() []string {
	prefix := r.Mount + "/"
	if len(r.Methods) == 0 {
		return []string{prefix}
	}
	patterns := make([]string, 0, len(r.Methods))
	for _, m := range r.Methods {
		patterns = append(patterns, m+" "+prefix)
	}
	sort.Strings(patterns)
	return patterns
}

// Handler strips the mount from the request path and redirects it under the
// rule's base, after the lookup when there is one.
func (r *RunnableRule) Handler() http.Handler {
	var h http.Handler = r.Rewirer.Middleware(r.SubPath)(http.NotFoundHandler())
	if r.Lookup != nil {
		h = http.HandlerFunc(r.serveLookup)
	}
	return http.StripPrefix(r.Mount, h)
}

func (r *RunnableRule) serveLookup(w http.ResponseWriter, req *http.Request) {
	logger := klog.FromContext(req.Context()).WithValues("rule", r.Name)
	input := NewResolveInputFromHttp(req)

	target, err := ResolveString(r.Lookup.Path, input)
	if err != nil {
		logger.Error(err, "unable to resolve lookup path")
		http.Error(w, "unable to resolve lookup path", http.StatusInternalServerError)
		return
	}

	call := r.root.Method(req, r.Lookup.Method, target)
	for k, expr := range r.Lookup.Headers {
		v, err := ResolveString(expr, input)
		if err != nil {
			logger.V(3).Info("skipping unresolved lookup header", "header", k, "err", err)
			continue
		}
		call.Set(k, v)
	}

	resp, err := call.DoContext(req.Context())
	if err != nil {
		logger.Error(err, "lookup call failed", "path", target)
		http.Error(w, "lookup failed", http.StatusBadGateway)
		return
	}
	if resp.StatusCode >= http.StatusBadRequest {
		logger.V(3).Info("lookup rejected", "path", target, "status", resp.StatusCode)
		for k, vs := range resp.Headers {
			w.Header()[k] = vs
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
		return
	}

	var body any
	if err := rewire.ParseJSON(resp, &body); err != nil {
		logger.Error(err, "lookup returned an unusable body", "path", target)
		http.Error(w, "lookup returned an unusable body", http.StatusBadGateway)
		return
	}
	selected, err := ResolveString(r.Lookup.Select, body)
	if err != nil {
		logger.V(3).Info("lookup selected nothing", "path", target, "err", err)
		http.Error(w, "lookup selected nothing", http.StatusBadGateway)
		return
	}

	logger.V(4).Info("lookup resolved", "path", target, "selected", selected)
	r.Rewirer.Middleware(r.SubPath, selected)(http.NotFoundHandler()).ServeHTTP(w, req)
}
