package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"corpcall/internal/call"
)

// Entry is one stored response. Entries are immutable once written.
type Entry struct {
	Key         call.Key
	Type        call.Type
	Format      call.Format
	StatusCode  int
	ContentType string
	// ServiceError holds the error the service reported inside a successful
	// HTTP response, if one was detected.
	ServiceError string
	// URL is the request URL with credentials removed.
	URL       string
	Body      []byte
	CreatedAt time.Time
}

// Failed reports whether the stored response carries a service error.
func (e Entry) Failed() bool {
	return e.ServiceError != ""
}

// JSON decodes the body into v.
func (e Entry) JSON(v any) error {
	if !isJSON(e.Format, e.ContentType) {
		return fmt.Errorf("entry %s is %s, not json", e.Key.Short(), e.Format)
	}
	dec := json.NewDecoder(bytes.NewReader(e.Body))
	dec.UseNumber()
	return dec.Decode(v)
}

// Store is a durable key → response mapping. Implementations tolerate
// concurrent reads and concurrent writes of distinct keys.
type Store interface {
	Get(ctx context.Context, key call.Key) (Entry, bool, error)
	// Put replaces any existing entry for e.Key.
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key call.Key) error
	// Clear removes every entry whose key starts with prefix; "" clears all.
	// It is not safe to call while a job is dispatching.
	Clear(ctx context.Context, prefix string) error
	Close() error
}

// Cacheable decides whether a received response is persisted.
// Responses with a non-2xx status are never stored. JSON responses are stored
// only without a service error; other formats are always stored because their
// bodies are not inspected for errors.
func Cacheable(e Entry) bool {
	if e.StatusCode < 200 || e.StatusCode > 299 {
		return false
	}
	if e.Format == call.JSON {
		return e.ServiceError == ""
	}
	return true
}

func isJSON(f call.Format, contentType string) bool {
	return f == call.JSON || strings.Contains(strings.ToLower(contentType), "application/json")
}

func validKey(s string, allowEmpty bool) error {
	if s == "" {
		if allowEmpty {
			return nil
		}
		return fmt.Errorf("cache key is empty")
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return fmt.Errorf("cache key %q is not lowercase hex", s)
		}
	}
	return nil
}
