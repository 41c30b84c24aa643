package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"corpcall/internal/util"
)

const (
	UsernameEnvName = "CORPCALL_USERNAME"
	APIKeyEnvName   = "CORPCALL_API_KEY"
)

var ErrCredentialsNotConfigured = errors.New("credentials not configured")

// Credentials are sent with every call as the username and api_key
// parameters.
type Credentials struct {
	Username string
	APIKey   string
}

func (c Credentials) Empty() bool { return c.Username == "" && c.APIKey == "" }

// Params returns the credentials in request parameter form, omitting empty
// values.
func (c Credentials) Params() map[string]string {
	out := map[string]string{}
	if c.Username != "" {
		out["username"] = c.Username
	}
	if c.APIKey != "" {
		out["api_key"] = c.APIKey
	}
	return out
}

// Require fails with ErrCredentialsNotConfigured unless both values are set.
func (c Credentials) Require() error {
	if c.Username == "" || c.APIKey == "" {
		return ErrCredentialsNotConfigured
	}
	return nil
}

// LoadCredentials reads the .env file. A missing file yields empty
// credentials.
func LoadCredentials() (Credentials, error) {
	p, err := util.DefaultEnvPath()
	if err != nil {
		return Credentials{}, err
	}
	values, err := readEnvFile(p)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Username: values[UsernameEnvName], APIKey: values[APIKeyEnvName]}, nil
}

func readEnvFile(p string) (map[string]string, error) {
	out := map[string]string{}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("read .env: %w", err)
	}
	for _, raw := range strings.Split(string(b), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value := strings.Trim(strings.TrimSpace(v), `"'`)
		if value == "" {
			continue
		}
		out[strings.TrimSpace(k)] = value
	}
	return out, nil
}

func SaveUsername(username string) error {
	return saveEnvValue(UsernameEnvName, username)
}

func SaveAPIKey(key string) error {
	return saveEnvValue(APIKeyEnvName, key)
}

func saveEnvValue(name, value string) error {
	p, err := util.DefaultEnvPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	line := fmt.Sprintf("%s=%s", name, value)

	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return os.WriteFile(p, []byte(line+"\n"), 0o600)
		}
		return fmt.Errorf("read .env: %w", err)
	}

	lines := strings.Split(string(b), "\n")
	replaced := false
	for i, raw := range lines {
		txt := strings.TrimSpace(raw)
		if txt == "" || strings.HasPrefix(txt, "#") {
			continue
		}
		k, _, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(k) == name {
			lines[i] = line
			replaced = true
		}
	}
	if !replaced {
		if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) != "" {
			lines = append(lines, "")
		}
		lines = append(lines, line)
	}
	content := strings.Join(lines, "\n")
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write .env: %w", err)
	}
	return nil
}
