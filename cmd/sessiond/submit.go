package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/engine"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/queue"
)

func runSubmitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	input := fs.String("input", "", "first user message of the task (required)")
	mode := fs.String("mode", "background", "execution mode; only background is valid from the CLI")
	model := fs.String("model", "", "override the configured model for this task")
	session := fs.String("session", "", "run in this existing session instead of provisioning one")
	vars := fs.String("vars", "", "JSON object of template variables for {{key}} slots")
	maxAttempts := fs.Int("max-attempts", 0, "retry budget including the first run (0 = configured default)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "submit: unexpected argument %q\n", fs.Arg(0))
		return 2
	}
	if strings.TrimSpace(*input) == "" {
		fmt.Fprintln(os.Stderr, "submit: -input is required")
		return 2
	}

	m := persistence.SessionMode(strings.ToUpper(strings.TrimSpace(*mode)))
	if m != persistence.ModeBackground {
		// Interactive sessions run their turns on the submitter's goroutine
		// inside the daemon process; a detached CLI row would never be
		// claimed by anything.
		fmt.Fprintf(os.Stderr, "submit: mode %q is not available from the CLI; only background tasks can be enqueued here\n", *mode)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	specJSON, err := json.Marshal(engine.TaskSpec{
		Input:     *input,
		Model:     *model,
		SessionID: *session,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	variables := strings.TrimSpace(*vars)
	if variables == "" {
		variables = "{}"
	}
	// Reject malformed submissions here instead of letting them fail
	// later inside a worker.
	if _, err := engine.ParseTaskSpec(string(specJSON), variables); err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}

	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	// An unstarted queue gives the CLI the daemon's depth limit; the
	// running daemon's workers claim the row through the shared database.
	q := queue.New(store, nil, queue.Config{MaxDepth: cfg.Queue.MaxDepth}, nil)
	exec, err := q.Enqueue(ctx, persistence.NewExecution{
		Mode:        m,
		Spec:        string(specJSON),
		Variables:   variables,
		SessionID:   *session,
		MaxAttempts: *maxAttempts,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	fmt.Println(exec.ID)
	return 0
}
