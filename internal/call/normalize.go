package call

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// KeySize is the digest length in bytes; keys are hex encoded.
const KeySize = 16

// Key identifies a request independently of credentials, parameter order and
// the order of unordered sequence parameters.
type Key string

// Short is the abbreviated form used in logs and dry-run listings.
func (k Key) Short() string {
	if len(k) < 8 {
		return string(k)
	}
	return string(k[:8])
}

// Normalized is the canonical form of a Spec. It is only used for hashing;
// the original Spec, credentials included, is what gets dispatched.
type Normalized struct {
	Type   Type
	Format Format
	Params map[string]any
}

// Normalize sorts mapping keys, sorts sequence values of the type's unordered
// parameters, renders scalars in their wire form and drops credential keys.
// Whitespace inside values is kept as is, so queries that differ only in
// spacing normalize differently.
func Normalize(s Spec) Normalized {
	params := make(map[string]any, len(s.Params))
	for k, v := range s.Params {
		if IsCredential(k) || k == "format" {
			continue
		}
		params[k] = normalizeValue(v, s.Type.unordered(k))
	}
	return Normalized{Type: s.Type, Format: s.EffectiveFormat(), Params: params}
}

func normalizeValue(v any, sortSeq bool) any {
	switch x := v.(type) {
	case Params:
		return normalizeMap(x)
	case map[string]any:
		return normalizeMap(x)
	case []string:
		seq := make([]any, len(x))
		for i := range x {
			seq[i] = x[i]
		}
		return normalizeSeq(seq, sortSeq)
	case []any:
		return normalizeSeq(x, sortSeq)
	}
	return scalarString(v)
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v, false)
	}
	return out
}

func normalizeSeq(seq []any, sortSeq bool) []any {
	out := make([]any, len(seq))
	for i := range seq {
		out[i] = normalizeValue(seq[i], false)
	}
	if sortSeq {
		sort.SliceStable(out, func(i, j int) bool {
			return sortToken(out[i]) < sortToken(out[j])
		})
	}
	return out
}

func sortToken(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := canonicalJSON(v)
	return string(b)
}

// scalarString renders a scalar the way it is sent in a query string, so 1
// and "1" normalize identically.
func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}

// Canonical is the byte form that keys are computed over: compact UTF-8 JSON
// with every object's keys sorted.
func (n Normalized) Canonical() ([]byte, error) {
	return canonicalJSON(map[string]any{
		"type":   string(n.Type),
		"format": string(n.Format),
		"params": n.Params,
	})
}

func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (n Normalized) Key() (Key, error) {
	b, err := n.Canonical()
	if err != nil {
		return "", fmt.Errorf("canonical form: %w", err)
	}
	h, err := blake2b.New(KeySize, nil)
	if err != nil {
		return "", err
	}
	_, _ = h.Write(b)
	return Key(hex.EncodeToString(h.Sum(nil))), nil
}

// KeyOf normalizes s and returns its cache key.
func KeyOf(s Spec) (Key, error) {
	return Normalize(s).Key()
}

// Query encodes s as URL query values. Credentials are added unless the spec
// sets the same parameter explicitly.
func (s Spec) Query(creds map[string]string) url.Values {
	q := url.Values{}
	for k, v := range creds {
		if v == "" {
			continue
		}
		if _, ok := s.Params[k]; ok {
			continue
		}
		q.Set(k, v)
	}
	for k, v := range s.Params {
		if k == "format" {
			continue
		}
		switch x := v.(type) {
		case []string:
			for _, item := range x {
				q.Add(k, item)
			}
		case []any:
			for _, item := range x {
				q.Add(k, queryScalar(item))
			}
		default:
			q.Set(k, queryScalar(v))
		}
	}
	q.Set("format", string(s.EffectiveFormat()))
	return q
}

func queryScalar(v any) string {
	switch x := v.(type) {
	case Params:
		b, _ := canonicalJSON(normalizeMap(x))
		return string(b)
	case map[string]any:
		b, _ := canonicalJSON(normalizeMap(x))
		return string(b)
	}
	return scalarString(v)
}
