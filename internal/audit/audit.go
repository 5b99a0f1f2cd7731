// Package audit appends a JSONL record of state-changing operations to
// <home>/logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// FileName is the audit log written under <home>/logs.
const FileName = "audit.jsonl"

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeFatal    = "fatal"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Remote    string `json:"remote,omitempty"`
}

var (
	mu           sync.Mutex
	file         *os.File
	failureCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the number of non-ok records since startup.
func FailureCount() int64 {
	return failureCount.Load()
}

// Record appends one entry. It is a no-op before Init.
func Record(action, outcome, subject, detail, remote string) {
	if outcome != OutcomeOK {
		failureCount.Add(1)
	}

	subject = Redact(subject)
	detail = Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Outcome:   outcome,
		Subject:   subject,
		Detail:    detail,
		Remote:    remote,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
