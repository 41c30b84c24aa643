package input

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"corpcall/internal/call"
)

// Record is one call read from a parameter string or an input file, before
// propagation.
type Record struct {
	Source string
	Type   string
	Params map[string]any
	Fresh  bool
}

// ParseParams reads a JSON or YAML mapping, e.g. '{"corpname": "susanne"}' or
// 'corpname: susanne'.
func ParseParams(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty parameter string")
	}
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("parse params %q: %w", s, err)
	}
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("params %q must be a mapping, got %T", s, v)
	}
	return m, nil
}

// ReadFile loads every record of a .json (array or object), .jsonl or .yml
// file.
func ReadFile(path string) ([]Record, error) {
	kind, ok := KindOf(path)
	if !ok {
		return nil, fmt.Errorf("unsupported input file %s", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimPrefix(b, []byte("\ufeff"))
	var items []any
	switch kind {
	case KindJSON:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		items = flatten(v)
	case KindJSONL:
		items, err = readLines(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case KindYAML:
		dec := yaml.NewDecoder(bytes.NewReader(b))
		for {
			var v any
			err := dec.Decode(&v)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			items = append(items, flatten(v)...)
		}
	}
	out := make([]Record, 0, len(items))
	for i, it := range items {
		r, err := toRecord(it)
		if err != nil {
			return nil, fmt.Errorf("%s: record %d: %w", path, i+1, err)
		}
		r.Source = fmt.Sprintf("%s#%d", path, i+1)
		out = append(out, r)
	}
	return out, nil
}

func readLines(b []byte) ([]any, error) {
	var items []any
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		items = append(items, v)
	}
	return items, sc.Err()
}

func flatten(v any) []any {
	if v == nil {
		return nil
	}
	if seq, ok := v.([]any); ok {
		return seq
	}
	return []any{v}
}

// toRecord accepts {type, params, fresh} records and flat parameter mappings.
func toRecord(v any) (Record, error) {
	m, ok := asMap(v)
	if !ok {
		return Record{}, fmt.Errorf("must be a mapping, got %T", v)
	}
	raw, structured := m["params"]
	if !structured {
		return Record{Params: m}, nil
	}
	params, ok := asMap(raw)
	if !ok && raw != nil {
		return Record{}, fmt.Errorf("params must be a mapping, got %T", raw)
	}
	r := Record{Params: params}
	if t, ok := m["type"]; ok {
		s, isStr := t.(string)
		if !isStr {
			return Record{}, fmt.Errorf("type must be a string, got %T", t)
		}
		r.Type = s
	}
	if f, ok := m["fresh"]; ok {
		b, isBool := f.(bool)
		if !isBool {
			return Record{}, fmt.Errorf("fresh must be true or false, got %v", f)
		}
		r.Fresh = b
	}
	for k := range m {
		switch k {
		case "type", "params", "fresh":
		default:
			return Record{}, fmt.Errorf("unknown record field %q", k)
		}
	}
	return r, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}

// Specs converts records into call specs. Records without a type use
// defaultType, which may be a wire name or a variant name.
func Specs(records []Record, defaultType string) ([]call.Spec, error) {
	out := make([]call.Spec, 0, len(records))
	for i, r := range records {
		name := r.Type
		if name == "" {
			name = defaultType
		}
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%s: no call type (set --type or a \"type\" field)", label(r, i))
		}
		t, err := call.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", label(r, i), err)
		}
		s, err := call.NewSpec(t, call.Params(r.Params))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", label(r, i), err)
		}
		s.Fresh = r.Fresh
		out = append(out, s)
	}
	return out, nil
}

func label(r Record, i int) string {
	if r.Source != "" {
		return r.Source
	}
	return fmt.Sprintf("call %d", i+1)
}

// Load reads parameter strings first, then every discovered file, in order.
func Load(params []string, paths []string) ([]Record, error) {
	var out []Record
	for i, p := range params {
		m, err := ParseParams(p)
		if err != nil {
			return nil, err
		}
		r, err := toRecord(m)
		if err != nil {
			return nil, fmt.Errorf("params %d: %w", i+1, err)
		}
		r.Source = fmt.Sprintf("params #%d", i+1)
		out = append(out, r)
	}
	files, err := Discover(paths)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		recs, err := ReadFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}
