package main

import (
	"context"
	"fmt"
	"os"

	"github.com/artpar/spaceport/internal/core/crypto"
	"github.com/artpar/spaceport/internal/core/domain"
	"github.com/artpar/spaceport/internal/shell/store"
)

// runCreateToken mints a new API token, persists its hash, and prints the
// token once. The plaintext is not recoverable afterwards.
func runCreateToken(cfg *Config, name string) int {
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return ExitDatabaseError
	}
	defer s.Close()

	token, err := crypto.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate token: %v\n", err)
		return ExitConfigError
	}

	hash, err := crypto.HashToken(token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash token: %v\n", err)
		return ExitConfigError
	}

	apiToken, err := domain.NewAPIToken(name, hash, crypto.TokenHint(token))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid token name: %v\n", err)
		return ExitConfigError
	}

	if err := s.CreateAPIToken(context.Background(), apiToken); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store token: %v\n", err)
		return ExitDatabaseError
	}

	fmt.Printf("created API token %q (%s)\n", name, apiToken.ID)
	fmt.Printf("store this token now, it cannot be shown again:\n\n  %s\n", token)
	return ExitSuccess
}
