package delivery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileDropWritesEnvelopeAndContent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	msg := testMessage("drop-1", "a@example.com", "b@example.com")

	res, err := NewFileDrop(dir).Send(context.Background(), msg, msg.Envelope.To)
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, rcpt := range msg.Envelope.To {
		require.Contains(t, res, rcpt)
		require.NoError(t, res[rcpt])
	}

	content, err := os.ReadFile(filepath.Join(dir, "drop-1.eml"))
	require.NoError(t, err)
	require.Equal(t, msg.Content, content)

	raw, err := os.ReadFile(filepath.Join(dir, "drop-1.json"))
	require.NoError(t, err)
	var env dropEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, "drop-1", env.ID)
	require.Equal(t, "sender@example.com", env.From)
	require.Equal(t, msg.Envelope.To, env.To)
}

func TestFileDropUnwritableDirIsTemporary(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := NewFileDrop(filepath.Join(blocker, "outbox")).Send(context.Background(), testMessage("x", "a@example.com"), []string{"a@example.com"})
	require.Error(t, err)
	require.True(t, IsTemporary(err))
}
