package call

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PostProcessor turns a response body into a value for downstream use.
// Strategies are injected per call type; types never carry behavior themselves.
type PostProcessor interface {
	PostProcess(f Format, body []byte) (any, error)
}

// PostProcessFunc adapts a function to PostProcessor.
type PostProcessFunc func(f Format, body []byte) (any, error)

func (fn PostProcessFunc) PostProcess(f Format, body []byte) (any, error) {
	return fn(f, body)
}

// RawPostProcessor decodes JSON bodies into generic values and returns every
// other format as text, or bytes for xlsx.
type RawPostProcessor struct{}

func (RawPostProcessor) PostProcess(f Format, body []byte) (any, error) {
	switch f {
	case JSON:
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode json body: %w", err)
		}
		return v, nil
	case XLSX:
		return append([]byte(nil), body...), nil
	default:
		return string(bytes.TrimPrefix(body, []byte("\ufeff"))), nil
	}
}
