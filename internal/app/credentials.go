package app

import (
	"errors"
	"fmt"

	"corpcall/internal/config"
)

// requireCredentials lets calls to the local server through without
// credentials; every other server needs both values.
func requireCredentials(server config.Server, creds config.Credentials) error {
	if server.Name == config.LocalServer {
		return nil
	}
	if err := creds.Require(); err != nil {
		if errors.Is(err, config.ErrCredentialsNotConfigured) {
			return fmt.Errorf("%w for %s, run\ncorpcall set username <name>\ncorpcall set key <api_key>", err, server.Name)
		}
		return err
	}
	return nil
}
