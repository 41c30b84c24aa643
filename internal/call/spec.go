package call

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

type Format string

const (
	JSON Format = "json"
	CSV  Format = "csv"
	XLSX Format = "xlsx"
	XML  Format = "xml"
	TXT  Format = "txt"
)

// DefaultFormat is used when a spec carries no explicit format.
const DefaultFormat = JSON

func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case JSON, CSV, XLSX, XML, TXT:
		return f, nil
	case "":
		return "", nil
	}
	return "", fmt.Errorf("format must be one of json, csv, xlsx, xml, txt: %q", s)
}

// Params maps parameter names to values. Values are strings, numbers, bools,
// sequences of those, or nested Params/map[string]any.
type Params map[string]any

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Params:
		return x.Clone()
	case map[string]any:
		return Params(x).Clone()
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

// credentialKeys never take part in cache keys or persisted metadata.
var credentialKeys = map[string]struct{}{
	"username": {},
	"api_key":  {},
}

// IsCredential reports whether key names a credential-bearing parameter.
func IsCredential(key string) bool {
	_, ok := credentialKeys[key]
	return ok
}

// CredentialKeys returns the designated credential parameter names.
func CredentialKeys() []string {
	return []string{"api_key", "username"}
}

// Spec describes one request. Specs are treated as values: every operation in
// this package returns a new Spec instead of mutating its input.
type Spec struct {
	Type   Type
	Params Params
	Format Format
	// Fresh stops parameter propagation from earlier specs of the same type.
	Fresh bool
}

// NewSpec builds a spec, moving a "format" parameter into the Format field.
func NewSpec(t Type, params Params) (Spec, error) {
	s := Spec{Type: t, Params: params.Clone()}
	if s.Params == nil {
		s.Params = Params{}
	}
	if raw, ok := s.Params["format"]; ok {
		str, isStr := raw.(string)
		if !isStr {
			return Spec{}, &ValidationError{Type: t, Field: "format", Reason: fmt.Sprintf("must be a string, got %T", raw)}
		}
		f, err := ParseFormat(str)
		if err != nil {
			return Spec{}, &ValidationError{Type: t, Field: "format", Reason: err.Error()}
		}
		s.Format = f
		delete(s.Params, "format")
	}
	return s, nil
}

func (s Spec) Clone() Spec {
	s.Params = s.Params.Clone()
	return s
}

// EffectiveFormat returns the format that will be requested.
func (s Spec) EffectiveFormat() Format {
	if s.Format == "" {
		return DefaultFormat
	}
	return s.Format
}

// WithDefaults fills the type's default parameters where they are absent.
func (s Spec) WithDefaults() Spec {
	out := s.Clone()
	info, ok := s.Type.Info()
	if !ok || len(info.Defaults) == 0 {
		return out
	}
	if out.Params == nil {
		out.Params = Params{}
	}
	for k, v := range info.Defaults {
		if isEmpty(out.Params[k]) {
			out.Params[k] = cloneValue(v)
		}
	}
	return out
}

// ValidationError reports a spec that must never be dispatched.
type ValidationError struct {
	Type   Type
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s call: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("invalid %s call: %s %s", e.Type, e.Field, e.Reason)
}

// Validate checks the type, the output format and every required parameter.
func (s Spec) Validate() error {
	info, ok := s.Type.Info()
	if !ok {
		return &ValidationError{Type: s.Type, Reason: "unknown call type"}
	}
	if !s.Type.AllowsFormat(s.EffectiveFormat()) {
		return &ValidationError{Type: s.Type, Field: "format", Reason: fmt.Sprintf("%q not available (allowed: %v)", s.EffectiveFormat(), info.Formats)}
	}
	for _, p := range info.Required {
		if isEmpty(s.Params[p]) {
			return &ValidationError{Type: s.Type, Field: p, Reason: "missing"}
		}
	}
	return nil
}

// isEmpty treats nil, "", and empty sequences or mappings as absent.
// Numbers and bools always count as present.
func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case json.Number:
		return x == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case Params:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.Len() == 0
	}
	return false
}
