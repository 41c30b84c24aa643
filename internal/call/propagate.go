package call

// Propagator completes partial specs from the previous spec of the same type.
// The zero value is ready to use; each Propagator holds the state of one run.
type Propagator struct {
	prev      Type
	started   bool
	templates map[Type]Spec
}

// Next completes s and records the result as the template for its type.
//
// A spec whose type differs from the one immediately before it, or that is
// marked Fresh, is taken verbatim. Otherwise its parameters are laid over the
// template: mapping values merge key by key, all other values replace.
func (p *Propagator) Next(s Spec) Spec {
	if p.templates == nil {
		p.templates = make(map[Type]Spec)
	}
	out := s.Clone()
	tmpl, ok := p.templates[s.Type]
	if p.started && s.Type == p.prev && !s.Fresh && ok {
		out.Params = mergeParams(tmpl.Params, s.Params)
		if out.Format == "" {
			out.Format = tmpl.Format
		}
	}
	if out.Params == nil {
		out.Params = Params{}
	}
	p.templates[s.Type] = out.Clone()
	p.prev = s.Type
	p.started = true
	return out
}

// Propagate completes every spec in order with a fresh Propagator.
// The result has the same length and order as specs.
func Propagate(specs []Spec) []Spec {
	var p Propagator
	out := make([]Spec, len(specs))
	for i, s := range specs {
		out[i] = p.Next(s)
	}
	return out
}

func mergeParams(base, over Params) Params {
	out := base.Clone()
	if out == nil {
		out = Params{}
	}
	for k, v := range over {
		bm, bok := asParams(out[k])
		om, ook := asParams(v)
		if bok && ook {
			out[k] = mergeParams(bm, om)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func asParams(v any) (Params, bool) {
	switch x := v.(type) {
	case Params:
		return x, true
	case map[string]any:
		return Params(x), true
	}
	return nil, false
}
