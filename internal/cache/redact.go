package cache

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"corpcall/internal/call"
)

const redacted = "REDACTED"

// RedactURL removes credential parameters from a request URL.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for _, k := range call.CredentialKeys() {
		if _, ok := q[k]; ok {
			q.Del(k)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactBody removes credential echoes from a response body before it is
// persisted. JSON objects lose their credential keys at any depth; in every
// text format, reflected "key=value" pairs and the literal api key are
// masked. XLSX bodies are zip archives and are stored unchanged.
// creds maps credential parameter names to the values that were sent.
func RedactBody(f call.Format, contentType string, body []byte, creds map[string]string) []byte {
	if f == call.XLSX {
		return body
	}
	out := body
	if isJSON(f, contentType) {
		out = redactJSON(out)
	}
	for k, v := range creds {
		if v == "" {
			continue
		}
		for _, echo := range []string{k + "=" + v, k + "=" + url.QueryEscape(v)} {
			out = bytes.ReplaceAll(out, []byte(echo), []byte(k+"="+redacted))
		}
		if k == "api_key" {
			out = bytes.ReplaceAll(out, []byte(v), []byte(redacted))
		}
	}
	return out
}

func redactJSON(body []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return body
	}
	if !dropCredentials(v) {
		return body
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return body
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

func dropCredentials(v any) bool {
	changed := false
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			if call.IsCredential(k) {
				delete(x, k)
				changed = true
				continue
			}
			if dropCredentials(child) {
				changed = true
			}
		}
	case []any:
		for _, child := range x {
			if dropCredentials(child) {
				changed = true
			}
		}
	}
	return changed
}

// ServiceError extracts the error a corpus service reports in a JSON body
// ({"error": "..."}). Bodies of other formats are not inspected.
func ServiceError(f call.Format, contentType string, body []byte) string {
	if !isJSON(f, contentType) {
		return ""
	}
	var doc struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	switch e := doc.Error.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(e)
	case bool:
		if e {
			return "error"
		}
		return ""
	default:
		b, _ := json.Marshal(e)
		return string(b)
	}
}
