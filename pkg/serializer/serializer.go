// Package serializer encodes request bodies for the content types a
// rewired call knows how to send.
package serializer

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/json"
)

const (
	FormContentType = "application/x-www-form-urlencoded"
	JSONContentType = "application/json"
)

// Func turns a value into a request body.
type Func func(v any) ([]byte, error)

// Pair is a single flattened key and value.
type Pair struct {
	Key   string
	Value string
}

// For returns the serializer for a content type, ignoring any parameters.
func For(contentType string) (Func, bool) {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case FormContentType:
		return Form, true
	case JSONContentType:
		return json.Marshal, true
	}
	return nil, false
}

// Form url-encodes v. Mappings and sequences are flattened with Flatten;
// strings and byte slices are passed through unchanged.
func Form(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	}

	rv := reflect.ValueOf(v)
	if !isMapping(rv) {
		return nil, fmt.Errorf("cannot form encode %T", v)
	}

	pairs := Flatten(v)
	encoded := make([]string, 0, len(pairs))
	for _, p := range pairs {
		encoded = append(encoded, url.QueryEscape(p.Key)+"="+url.QueryEscape(p.Value))
	}
	return []byte(strings.Join(encoded, "&")), nil
}

// Flatten walks a mapping into ordered key/value pairs. Nested mappings
// produce keys like "a[b]", sequences repeat their key once per element and
// nil values at the top level are skipped. Mapping keys are sorted.
func Flatten(v any) []Pair {
	rv := indirect(reflect.ValueOf(v))
	if !isMapping(rv) {
		return nil
	}

	var pairs []Pair
	for _, k := range sortedKeys(rv) {
		val := rv.MapIndex(k)
		if isNil(val) {
			continue
		}
		pairs = flatten(pairs, fmt.Sprint(k.Interface()), val)
	}
	return pairs
}

func flatten(pairs []Pair, key string, v reflect.Value) []Pair {
	v = indirect(v)
	switch {
	case !v.IsValid():
		return append(pairs, Pair{Key: key, Value: ""})
	case v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8, v.Kind() == reflect.Array:
		for i := 0; i < v.Len(); i++ {
			pairs = flatten(pairs, key, v.Index(i))
		}
		return pairs
	case v.Kind() == reflect.Map:
		for _, k := range sortedKeys(v) {
			pairs = flatten(pairs, key+"["+fmt.Sprint(k.Interface())+"]", v.MapIndex(k))
		}
		return pairs
	case v.Kind() == reflect.Slice:
		return append(pairs, Pair{Key: key, Value: string(v.Bytes())})
	default:
		return append(pairs, Pair{Key: key, Value: fmt.Sprint(v.Interface())})
	}
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func isNil(v reflect.Value) bool {
	return !indirect(v).IsValid()
}

func isMapping(v reflect.Value) bool {
	v = indirect(v)
	return v.IsValid() && v.Kind() == reflect.Map
}

func sortedKeys(v reflect.Value) []reflect.Value {
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
	return keys
}
