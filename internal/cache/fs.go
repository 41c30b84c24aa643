package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pquerna/ffjson/ffjson"

	"corpcall/internal/call"
)

const metaSuffix = ".meta.json"

// entryMeta is the sidecar stored next to each body file. It answers "was
// this an error" without reading the body.
type entryMeta struct {
	Key          string `json:"key"`
	Type         string `json:"type"`
	Format       string `json:"format"`
	StatusCode   int    `json:"status"`
	ContentType  string `json:"content_type,omitempty"`
	ServiceError string `json:"service_error,omitempty"`
	URL          string `json:"url"`
	CreatedAt    string `json:"created_at"`
}

// DirStore keeps one <key>.meta.json and one <key>.<format> file per entry.
type DirStore struct {
	dir string
}

func OpenDir(dir string) (*DirStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("cache directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) Dir() string { return s.dir }

func (s *DirStore) metaFile(key call.Key) string {
	return filepath.Join(s.dir, string(key)+metaSuffix)
}

func (s *DirStore) bodyFile(key call.Key, f call.Format) string {
	return filepath.Join(s.dir, string(key)+"."+string(f))
}

func (s *DirStore) Get(_ context.Context, key call.Key) (Entry, bool, error) {
	if err := validKey(string(key), false); err != nil {
		return Entry{}, false, err
	}
	b, err := os.ReadFile(s.metaFile(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var m entryMeta
	if err := ffjson.Unmarshal(b, &m); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache metadata %s: %w", key.Short(), err)
	}
	body, err := os.ReadFile(s.bodyFile(key, call.Format(m.Format)))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	created, _ := time.Parse(time.RFC3339Nano, m.CreatedAt)
	return Entry{
		Key:          key,
		Type:         call.Type(m.Type),
		Format:       call.Format(m.Format),
		StatusCode:   m.StatusCode,
		ContentType:  m.ContentType,
		ServiceError: m.ServiceError,
		URL:          m.URL,
		Body:         body,
		CreatedAt:    created,
	}, true, nil
}

// Put writes the body first and the metadata last; an entry without
// metadata is a miss.
func (s *DirStore) Put(ctx context.Context, e Entry) error {
	if err := validKey(string(e.Key), false); err != nil {
		return err
	}
	if err := s.Delete(ctx, e.Key); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m := entryMeta{
		Key:          string(e.Key),
		Type:         string(e.Type),
		Format:       string(e.Format),
		StatusCode:   e.StatusCode,
		ContentType:  e.ContentType,
		ServiceError: e.ServiceError,
		URL:          e.URL,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	b, err := ffjson.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encode cache metadata: %w", err)
	}
	if err := writeFileAtomic(s.bodyFile(e.Key, e.Format), e.Body); err != nil {
		return err
	}
	return writeFileAtomic(s.metaFile(e.Key), b)
}

func (s *DirStore) Delete(_ context.Context, key call.Key) error {
	if err := validKey(string(key), false); err != nil {
		return err
	}
	if err := os.Remove(s.metaFile(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, string(key)+".*"))
	if err != nil {
		return err
	}
	for _, p := range matches {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Clear removes entry files whose key starts with prefix, along with
// leftover temp files. Other files in the directory are left alone.
func (s *DirStore) Clear(_ context.Context, prefix string) error {
	if err := validKey(prefix, true); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		key, ok := entryFileKey(ent.Name())
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, ent.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// entryFileKey reports the key of a file written by Put: <key>.<ext> or a
// .tmp-<key>.<ext>-* leftover.
func entryFileKey(name string) (string, bool) {
	name = strings.TrimPrefix(name, ".tmp-")
	n := 2 * call.KeySize
	if len(name) < n+2 || name[n] != '.' {
		return "", false
	}
	key := name[:n]
	if validKey(key, false) != nil {
		return "", false
	}
	return key, true
}

func (s *DirStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

var _ Store = (*DirStore)(nil)
