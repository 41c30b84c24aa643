package output

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"corpcall/internal/call"
	"corpcall/internal/dispatch"
	"corpcall/internal/job"
)

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const masked = "***"

func random8() (string, error) {
	b := make([]byte, 8)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}

// UniqueReportPath picks an unused job_<id>.yaml name in outDir, creating the
// directory if needed.
func UniqueReportPath(outDir string) (string, string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", err
	}
	for i := 0; i < 100; i++ {
		s, err := random8()
		if err != nil {
			return "", "", err
		}
		p := filepath.Join(outDir, fmt.Sprintf("job_%s.yaml", s))
		if _, err := os.Stat(p); err == nil {
			continue
		}
		return s, p, nil
	}
	return "", "", fmt.Errorf("could not find a unique report name in %s", outDir)
}

type CallReport struct {
	Index     int            `yaml:"index"`
	Type      call.Type      `yaml:"type"`
	Key       string         `yaml:"key,omitempty"`
	Format    call.Format    `yaml:"format"`
	Params    map[string]any `yaml:"params"`
	FromCache bool           `yaml:"from_cache"`
	Attempted bool           `yaml:"attempted"`
	Status    int            `yaml:"status,omitempty"`
	File      string         `yaml:"file,omitempty"`
	ErrorKind string         `yaml:"error_kind,omitempty"`
	Error     string         `yaml:"error,omitempty"`
}

type Report struct {
	ID      string       `yaml:"id"`
	Server  string       `yaml:"server"`
	Mode    string       `yaml:"mode"`
	Started time.Time    `yaml:"started"`
	Summary job.Summary  `yaml:"summary"`
	Calls   []CallReport `yaml:"calls"`
}

// MaskParams copies params with credential values replaced.
func MaskParams(p call.Params) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if call.IsCredential(k) {
			out[k] = masked
			continue
		}
		out[k] = v
	}
	return out
}

// NewReport describes j. files maps result indexes to exported body paths.
func NewReport(id, server string, mode dispatch.Mode, started time.Time, j *job.Job, files map[int]string) Report {
	r := Report{
		ID:      id,
		Server:  server,
		Mode:    mode.String(),
		Started: started.UTC(),
		Summary: j.Summary(),
	}
	for _, res := range j.Results() {
		c := CallReport{
			Index:     res.Index,
			Type:      res.Spec.Type,
			Key:       string(res.Key),
			Format:    res.Spec.EffectiveFormat(),
			Params:    MaskParams(res.Spec.Params),
			FromCache: res.FromCache,
			Attempted: res.Attempted,
			File:      files[res.Index],
		}
		if res.Entry != nil {
			c.Status = res.Entry.StatusCode
		}
		if res.Err != nil {
			c.ErrorKind = dispatch.Kind(res.Err)
			c.Error = res.Err.Error()
		}
		r.Calls = append(r.Calls, c)
	}
	return r
}

func WriteReport(path string, r Report) error {
	b, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// ExportBodies writes each received body to outDir as <type>_<key>.<format>,
// unchanged. A key shared by several results is written once. The returned
// map goes from result index to file path.
func ExportBodies(outDir string, results []dispatch.Result) (map[int]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	files := map[int]string{}
	written := map[call.Key]string{}
	for _, r := range results {
		if r.Entry == nil || r.Key == "" {
			continue
		}
		if p, ok := written[r.Key]; ok {
			files[r.Index] = p
			continue
		}
		p := filepath.Join(outDir, fmt.Sprintf("%s_%s.%s", r.Spec.Type, r.Key, r.Entry.Format))
		if err := os.WriteFile(p, r.Entry.Body, 0o644); err != nil {
			return files, fmt.Errorf("export %s: %w", filepath.Base(p), err)
		}
		written[r.Key] = p
		files[r.Index] = p
	}
	return files, nil
}
