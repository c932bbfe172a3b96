package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/spotproxy/internal/config"
)

type tokenOutput struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	ExpiresAt   string `json:"expires_at"`
}

func newTokenCommand() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Acquire one access token and print it as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if source != "" {
				cfg.WebPlayerURL = source
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return printToken(ctx, cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "page to scrape for a session token (overrides SPOTIFY_WEB_PLAYER_URL)")
	return cmd
}

func printToken(ctx context.Context, cfg *config.Config, out io.Writer) error {
	// Logs go to stderr so stdout stays machine-readable.
	logger, closeLog, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	acq, err := newAcquirer(cfg, logger, nil)
	if err != nil {
		return err
	}
	tok, err := acq.Acquire(ctx, cfg.WebPlayerURL)
	if err != nil {
		return fmt.Errorf("acquiring token: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenOutput{
		AccessToken: tok.Value,
		ExpiresIn:   int(tok.ExpiresIn(time.Now()).Seconds()),
		ExpiresAt:   tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
