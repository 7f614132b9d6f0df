// Package audit records a durable trail of incident-affecting decisions:
// state transitions, admin actions, and authentication failures. It
// complements the inbox/outbox tables, which record provider interactions,
// by capturing the domain-level "why" behind a mutation.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/protectogram/panic-core/internal/shared"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	Action     string `json:"action"`
	IncidentID string `json:"incident_id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	denyCount  atomic.Int64
)

// Init opens the audit.jsonl file under homeDir/logs.
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
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes, in addition
// to the JSONL file. Optional: callers that only want the file may skip it.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
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

// DenyCount returns the total number of authentication/authorization
// rejections recorded since startup (webhook auth failures, bad admin keys).
func DenyCount() int64 {
	return denyCount.Load()
}

// RecordDenied records an authentication or authorization rejection.
func RecordDenied(action, subject, detail string) {
	denyCount.Add(1)
	Record(action, "", subject, "denied", detail)
}

// Record appends an audit entry to the JSONL file and, if configured, the
// audit_log table. incidentID may be empty for actions not scoped to one
// incident (e.g. a rejected webhook with no recoverable event id).
func Record(action, incidentID, subject, outcome, detail string) {
	subject = shared.Redact(subject)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
			Action:     action,
			IncidentID: incidentID,
			Subject:    subject,
			Outcome:    outcome,
			Detail:     detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (incident_id, action, subject, outcome, detail)
			VALUES (NULLIF($1, ''), $2, $3, $4, $5);
		`, incidentID, action, subject, outcome, detail)
	}
}
