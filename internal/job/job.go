package job

import (
	"fmt"
	"sort"
	"time"

	"corpcall/internal/call"
	"corpcall/internal/dispatch"
)

// Job groups the results of one dispatch run by call type. It only reads the
// results it was built from.
type Job struct {
	results    []dispatch.Result
	order      []call.Type
	byType     map[call.Type][]dispatch.Result
	elapsed    time.Duration
	processors map[call.Type]call.PostProcessor
	fallback   call.PostProcessor
}

type Option func(*Job)

// WithPostProcessor installs the strategy used for results of type t.
func WithPostProcessor(t call.Type, p call.PostProcessor) Option {
	return func(j *Job) { j.processors[t] = p }
}

// WithDefaultPostProcessor replaces call.RawPostProcessor for types without a
// dedicated strategy.
func WithDefaultPostProcessor(p call.PostProcessor) Option {
	return func(j *Job) { j.fallback = p }
}

func New(results []dispatch.Result, elapsed time.Duration, opts ...Option) *Job {
	j := &Job{
		results:    append([]dispatch.Result(nil), results...),
		byType:     map[call.Type][]dispatch.Result{},
		elapsed:    elapsed,
		processors: map[call.Type]call.PostProcessor{},
		fallback:   call.RawPostProcessor{},
	}
	for _, opt := range opts {
		opt(j)
	}
	for _, r := range j.results {
		t := r.Spec.Type
		if _, seen := j.byType[t]; !seen {
			j.order = append(j.order, t)
		}
		j.byType[t] = append(j.byType[t], r)
	}
	return j
}

// Types lists call types in order of first appearance.
func (j *Job) Types() []call.Type {
	return append([]call.Type(nil), j.order...)
}

// ByType returns the results of type t in dispatch order.
func (j *Job) ByType(t call.Type) []dispatch.Result {
	return append([]dispatch.Result(nil), j.byType[t]...)
}

func (j *Job) Results() []dispatch.Result {
	return append([]dispatch.Result(nil), j.results...)
}

func (j *Job) Errors() []dispatch.Result {
	var out []dispatch.Result
	for _, r := range j.results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

type TypeSummary struct {
	Calls     int `json:"calls" yaml:"calls"`
	FromCache int `json:"from_cache" yaml:"from_cache"`
	Errors    int `json:"errors" yaml:"errors"`
}

type Summary struct {
	Elapsed      time.Duration             `json:"-" yaml:"-"`
	ElapsedMs    int64                     `json:"elapsed_ms" yaml:"elapsed_ms"`
	Calls        int                       `json:"calls" yaml:"calls"`
	FromCache    int                       `json:"from_cache" yaml:"from_cache"`
	Network      int                       `json:"network" yaml:"network"`
	Errors       int                       `json:"errors" yaml:"errors"`
	ErrorsByKind map[string]int            `json:"errors_by_kind,omitempty" yaml:"errors_by_kind,omitempty"`
	ByType       map[call.Type]TypeSummary `json:"by_type" yaml:"by_type"`
}

func (j *Job) Summary() Summary {
	s := Summary{
		Elapsed:      j.elapsed,
		ElapsedMs:    j.elapsed.Milliseconds(),
		Calls:        len(j.results),
		ErrorsByKind: map[string]int{},
		ByType:       map[call.Type]TypeSummary{},
	}
	for _, r := range j.results {
		ts := s.ByType[r.Spec.Type]
		ts.Calls++
		if r.FromCache {
			s.FromCache++
			ts.FromCache++
		}
		if r.Attempted {
			s.Network++
		}
		if r.Err != nil {
			s.Errors++
			ts.Errors++
			s.ErrorsByKind[dispatch.Kind(r.Err)]++
		}
		s.ByType[r.Spec.Type] = ts
	}
	return s
}

// String renders the summary on one line, types sorted.
func (s Summary) String() string {
	types := make([]string, 0, len(s.ByType))
	for t := range s.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	out := fmt.Sprintf("%d calls (%d cached, %d sent), %d errors in %s", s.Calls, s.FromCache, s.Network, s.Errors, s.Elapsed.Round(time.Millisecond))
	for _, t := range types {
		ts := s.ByType[call.Type(t)]
		out += fmt.Sprintf("; %s: %d/%d ok", t, ts.Calls-ts.Errors, ts.Calls)
	}
	return out
}

// Process runs the post-processing strategy for r's type over its body.
func (j *Job) Process(r dispatch.Result) (any, error) {
	if r.Entry == nil {
		if r.Err != nil {
			return nil, r.Err
		}
		return nil, fmt.Errorf("%s %s: no response", r.Spec.Type, r.Key.Short())
	}
	p, ok := j.processors[r.Spec.Type]
	if !ok {
		p = j.fallback
	}
	return p.PostProcess(r.Entry.Format, r.Entry.Body)
}

// Processed post-processes every successful result of type t, in order.
// Failed results are skipped.
func (j *Job) Processed(t call.Type) ([]any, error) {
	var out []any
	for _, r := range j.byType[t] {
		if r.Err != nil {
			continue
		}
		v, err := j.Process(r)
		if err != nil {
			return nil, fmt.Errorf("post-process %s %s: %w", t, r.Key.Short(), err)
		}
		out = append(out, v)
	}
	return out, nil
}
