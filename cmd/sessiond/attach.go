package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/tui"
)

func runAttachCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.HasPrefix(args[0], "-") {
		fmt.Fprintln(os.Stderr, "usage: sessiond attach <session-id>")
		return 2
	}
	sessionID := strings.TrimSpace(args[0])

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	token, err := loadAuthToken(cfg.HomeDir, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth token: %v\n", err)
		return 1
	}

	if err := tui.Attach(ctx, serverBaseURL(cfg.BindAddr), token, sessionID); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "attach: %v\n", err)
		return 1
	}
	return 0
}
