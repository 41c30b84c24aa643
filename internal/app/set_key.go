package app

import (
	"context"
	"errors"
	"strings"

	"corpcall/internal/config"
)

func RunSetKey(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("api key is empty")
	}
	return config.SaveAPIKey(key)
}

func RunSetUsername(_ context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New("username is empty")
	}
	return config.SaveUsername(username)
}
