package cache

import (
	"os"
	"path/filepath"
	"strings"

	"corpcall/internal/util"
)

func DefaultLocation() (string, error) {
	cacheRoot, err := os.UserCacheDir()
	if err == nil && cacheRoot != "" {
		return filepath.Join(cacheRoot, "corpcall", "responses"), nil
	}
	base, err := util.DefaultAppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "cache"), nil
}

// IsDatabase reports whether location names a SQLite file rather than a
// directory.
func IsDatabase(location string) bool {
	switch strings.ToLower(filepath.Ext(location)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return location == ":memory:"
}

// Open picks the backend from the location: SQLite for *.db, *.sqlite and
// :memory:, a directory of files otherwise.
func Open(location string) (Store, error) {
	if IsDatabase(location) {
		return OpenSQLite(location)
	}
	return OpenDir(location)
}
