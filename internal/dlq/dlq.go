// Package dlq records disbursement triggers that failed and now need manual
// resolution. Each entry is one JSON file in a directory.
package dlq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"remitrails/internal/metrics"
)

// Entry is one failed trigger.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	PaymentID string          `json:"paymentId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error"`
}

// Queue writes entries under Dir. An empty Dir disables the queue.
type Queue struct {
	Dir     string
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Write stores a failed trigger for payload (marshalled to JSON).
func (q *Queue) Write(paymentID string, payload any, cause error) error {
	if q == nil || q.Dir == "" {
		return nil
	}
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}

	entry := Entry{
		Timestamp: now().UTC(),
		PaymentID: paymentID,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("dlq marshal payload: %w", err)
		}
		entry.Payload = raw
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}
	if err := os.MkdirAll(q.Dir, 0o755); err != nil {
		return fmt.Errorf("dlq mkdir: %w", err)
	}

	filename := fmt.Sprintf("%d-%s.json", entry.Timestamp.UnixNano(), unsafeChars.ReplaceAllString(paymentID, "_"))
	if err := os.WriteFile(filepath.Join(q.Dir, filename), data, 0o600); err != nil {
		return fmt.Errorf("dlq write: %w", err)
	}

	q.logger().Warn("disbursement trigger moved to dlq", "payment_id", paymentID, "error", entry.Error)
	q.UpdateDepth()
	return nil
}

// Depth counts queued entries. A missing directory is an empty queue.
func (q *Queue) Depth() int {
	if q == nil || q.Dir == "" {
		return 0
	}
	entries, err := os.ReadDir(q.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			q.logger().Error("dlq read failed", "dir", q.Dir, "error", err)
		}
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n
}

// UpdateDepth refreshes the depth gauge and returns the depth.
func (q *Queue) UpdateDepth() int {
	depth := q.Depth()
	if q != nil {
		q.Metrics.SetDLQDepth(depth)
	}
	return depth
}

// List returns queued entries oldest first. Unreadable files are skipped.
func (q *Queue) List() ([]Entry, error) {
	if q == nil || q.Dir == "" {
		return nil, nil
	}
	files, err := os.ReadDir(q.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if !f.IsDir() && filepath.Ext(f.Name()) == ".json" {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	out := make([]Entry, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(q.Dir, name))
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			q.logger().Warn("skipping unreadable dlq entry", "file", name, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *Queue) logger() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}
