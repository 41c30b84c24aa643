package throttle

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Band applies Wait to every call whose index is at most Max.
// The unbounded band has no upper limit.
type Band struct {
	Wait      time.Duration
	Max       int
	Unbounded bool
}

// Policy maps call indexes to delays. The zero value never waits.
type Policy struct {
	bands []Band
}

// Parse builds a policy from its config form: wait seconds → inclusive call
// count upper bound, where a nil bound marks the unbounded terminal band.
//
//	{"0": 1, "2": 99, "5": 899, "45": nil}
func Parse(m map[string]*int) (Policy, error) {
	if len(m) == 0 {
		return Policy{}, nil
	}
	bands := make([]Band, 0, len(m))
	unbounded := 0
	for k, v := range m {
		sec, err := strconv.ParseFloat(strings.TrimSpace(k), 64)
		if err != nil || sec < 0 {
			return Policy{}, fmt.Errorf("wait policy: invalid wait %q", k)
		}
		b := Band{Wait: time.Duration(sec * float64(time.Second))}
		if v == nil {
			b.Unbounded = true
			unbounded++
		} else {
			if *v < 1 {
				return Policy{}, fmt.Errorf("wait policy: bound for %q must be positive, got %d", k, *v)
			}
			b.Max = *v
		}
		bands = append(bands, b)
	}
	if unbounded != 1 {
		return Policy{}, fmt.Errorf("wait policy: want exactly one unbounded band, got %d", unbounded)
	}
	sort.Slice(bands, func(i, j int) bool {
		if bands[i].Unbounded != bands[j].Unbounded {
			return bands[j].Unbounded
		}
		return bands[i].Max < bands[j].Max
	})
	for i := 1; i < len(bands); i++ {
		if !bands[i].Unbounded && bands[i].Max == bands[i-1].Max {
			return Policy{}, fmt.Errorf("wait policy: duplicate bound %d", bands[i].Max)
		}
	}
	return Policy{bands: bands}, nil
}

// MustParse is Parse for static defaults.
func MustParse(m map[string]*int) Policy {
	p, err := Parse(m)
	if err != nil {
		panic(err)
	}
	return p
}

// Bound is a helper for building policy literals.
func Bound(n int) *int { return &n }

func (p Policy) Empty() bool { return len(p.bands) == 0 }

func (p Policy) Bands() []Band {
	return append([]Band(nil), p.bands...)
}

// DelayFor returns the wait of the first band, in ascending bound order, whose
// bound is at least index. Indexes are 1-based.
func (p Policy) DelayFor(index int) time.Duration {
	if index < 1 {
		index = 1
	}
	for _, b := range p.bands {
		if b.Unbounded || b.Max >= index {
			return b.Wait
		}
	}
	return 0
}

// Map returns the config form of p.
func (p Policy) Map() map[string]*int {
	out := make(map[string]*int, len(p.bands))
	for _, b := range p.bands {
		k := strconv.FormatFloat(b.Wait.Seconds(), 'f', -1, 64)
		if b.Unbounded {
			out[k] = nil
			continue
		}
		out[k] = Bound(b.Max)
	}
	return out
}

func (p Policy) String() string {
	if p.Empty() {
		return "none"
	}
	parts := make([]string, 0, len(p.bands))
	for _, b := range p.bands {
		if b.Unbounded {
			parts = append(parts, fmt.Sprintf("%s after", b.Wait))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s<=%d", b.Wait, b.Max))
	}
	return strings.Join(parts, " ")
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
