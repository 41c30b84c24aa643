package input

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind is the encoding of an input file, taken from its suffix.
type Kind string

const (
	KindJSON  Kind = "json"
	KindJSONL Kind = "jsonl"
	KindYAML  Kind = "yaml"
)

// KindOf maps a file suffix to its Kind; ok is false for unsupported files.
func KindOf(path string) (Kind, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return KindJSON, true
	case ".jsonl", ".ndjson":
		return KindJSONL, true
	case ".yml", ".yaml":
		return KindYAML, true
	}
	return "", false
}

// Discover expands inputs into call files. Directories are walked
// recursively and only supported suffixes are kept; files named explicitly
// must have a supported suffix. Order follows the inputs, and lexical order
// inside directories.
func Discover(inputs []string) ([]string, error) {
	var out []string
	seen := map[string]struct{}{}
	add := func(path string) {
		if _, exists := seen[path]; exists {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	for _, in := range inputs {
		if strings.TrimSpace(in) == "" {
			continue
		}
		info, err := os.Stat(in)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			err := filepath.WalkDir(in, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return nil
				}
				if _, ok := KindOf(path); ok {
					add(path)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			continue
		}
		if _, ok := KindOf(in); !ok {
			return nil, fmt.Errorf("unsupported input file %s (want .json, .jsonl or .yml)", in)
		}
		add(in)
	}
	if len(inputs) > 0 && len(out) == 0 {
		return nil, fmt.Errorf("no call files found in %s", strings.Join(inputs, ", "))
	}
	return out, nil
}
