// Package audit appends permission and hook decisions to an append-only
// JSONL trail under <home>/logs/audit.jsonl. The same entries land in the
// permission_decisions and hook_executions tables; the file survives
// database resets and is cheap to ship off-host.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/sessiond/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Tool      string `json:"tool"`
	Target    string `json:"target,omitempty"`
	Rule      string `json:"rule,omitempty"`
	Reason    string `json:"reason"`
	SessionID string `json:"session_id,omitempty"`
}

// Log is an append-only audit sink. Safe for concurrent use.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
}

// Open creates the logs dir if needed and opens audit.jsonl for append.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since open.
func (l *Log) DenyCount() int64 {
	return l.denyCount.Load()
}

// Record appends one decision. decision is "allow" or "deny"; rule is the
// pattern that matched, empty for default outcomes. Reasons and targets are
// redacted before they hit disk.
func (l *Log) Record(sessionID, decision, tool, target, rule, reason string) {
	if decision == "deny" {
		l.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	target = shared.Redact(target)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Tool:      tool,
		Target:    target,
		Rule:      rule,
		Reason:    reason,
		SessionID: sessionID,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}
