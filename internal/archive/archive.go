// Package archive persists conversation segments that the budget manager
// summarizes out of the live window, so nothing is lost to compression.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cafezin/internal/llm"
)

// Entry is one archived segment: the summary that replaced it plus the full
// snapshot of what was removed. Image payloads are replaced with placeholders
// before archival.
type Entry struct {
	SessionID       string        `json:"session_id"`
	Round           int           `json:"round"`
	EstimatedTokens int           `json:"estimated_tokens"`
	Summary         string        `json:"summary"`
	Messages        []llm.Message `json:"messages"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Sink receives archived segments. Append failures are logged by callers and
// never block compression.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// NopSink discards entries.
type NopSink struct{}

func (NopSink) Append(context.Context, Entry) error { return nil }

// FileSink appends entries as JSON lines, one file per session.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Append(_ context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.Messages = stripImages(entry.Messages)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal archive entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, sessionFileName(entry.SessionID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write archive entry: %w", err)
	}
	return nil
}

// Load reads all archived entries for a session.
func (s *FileSink) Load(sessionID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, sessionFileName(sessionID)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	decoder := json.NewDecoder(bytes.NewReader(data))
	for decoder.More() {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			return entries, fmt.Errorf("decode archive entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func sessionFileName(sessionID string) string {
	if sessionID == "" {
		sessionID = "default"
	}
	return sessionID + ".jsonl"
}

const imagePlaceholder = "[image archived: payload omitted]"

func stripImages(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if !out[i].HasImage() {
			continue
		}
		text := out[i].Text()
		if text == "" {
			text = imagePlaceholder
		} else {
			text += "\n\n" + imagePlaceholder
		}
		out[i].Content = text
		out[i].Parts = nil
	}
	return out
}
