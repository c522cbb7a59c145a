package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mailerd/queue"
	"mailerd/storage"
)

// FileDrop writes each message to a directory instead of a socket:
// <dir>/<id>.eml holds the content and <id>.json the envelope. Every
// recipient is accepted.
type FileDrop struct {
	Dir string
}

// NewFileDrop returns a file-drop transport writing under dir.
func NewFileDrop(dir string) *FileDrop {
	return &FileDrop{Dir: dir}
}

func (f *FileDrop) Name() string { return "file" }

type dropEnvelope struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	DroppedAt time.Time `json:"dropped_at"`
}

func (f *FileDrop) Send(ctx context.Context, msg *queue.Message, rcpts []string) (map[string]error, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return nil, &TransportError{Temporary: true, Err: err}
	}
	env, err := json.MarshalIndent(dropEnvelope{
		ID:        msg.ID,
		From:      msg.Envelope.From,
		To:        rcpts,
		DroppedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if err := storage.WriteFileAtomic(filepath.Join(f.Dir, msg.ID+".eml"), msg.Content); err != nil {
		return nil, &TransportError{Temporary: true, Err: err}
	}
	if err := storage.WriteFileAtomic(filepath.Join(f.Dir, msg.ID+".json"), env); err != nil {
		return nil, &TransportError{Temporary: true, Err: err}
	}

	results := make(map[string]error, len(rcpts))
	for _, rcpt := range rcpts {
		results[rcpt] = nil
	}
	return results, nil
}
