package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"mailerd/queue"
)

func newSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func testMessage(id string, due time.Time, to ...string) *queue.Message {
	if len(to) == 0 {
		to = []string{"rcpt@example.com"}
	}
	return &queue.Message{
		ID:       id,
		Envelope: queue.Envelope{From: "sender@example.com", To: to},
		Content:  []byte("Subject: Test\r\n\r\nBody " + id),
		DueDate:  due,
	}
}

func day(s string) time.Time {
	d, err := queue.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := newSpool(t)

	msg := testMessage("abc123", day("2024-03-10"), "a@example.com", "b@example.com")
	require.NoError(t, s.Put(ctx, msg, queue.NewStatus(msg)))

	require.FileExists(t, filepath.Join(s.Root(), "deferred", "2024-03-10", "abc123.eml"))
	require.FileExists(t, filepath.Join(s.Root(), "deferred", "2024-03-10", "abc123.json"))

	got, st, err := s.Get(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, msg.Content, got.Content)
	require.Equal(t, msg.Envelope, got.Envelope)
	require.Equal(t, "2024-03-10", got.Due())
	require.Len(t, st.Recipients, 2)
	require.Equal(t, queue.StatePending, st.Recipients["a@example.com"].State)
}

func TestGetNotFound(t *testing.T) {
	s := newSpool(t)
	_, _, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestPutOverwritesInPlace(t *testing.T) {
	ctx := context.Background()
	s := newSpool(t)

	msg := testMessage("m1", day("2024-03-10"))
	require.NoError(t, s.Put(ctx, msg, queue.NewStatus(msg)))
	require.NoError(t, s.Move(ctx, "m1", queue.Deferred, queue.Ready, "2024-03-10", "2024-03-10"))

	msg.Content = []byte("Subject: Replaced\r\n\r\n")
	require.NoError(t, s.Put(ctx, msg, queue.NewStatus(msg)))

	ids, err := s.IDs(ctx, queue.Ready, "2024-03-10")
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, ids)

	ids, err = s.IDs(ctx, queue.Deferred, "2024-03-10")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestUpdateStatusKeepsContent(t *testing.T) {
	ctx := context.Background()
	s := newSpool(t)

	msg := testMessage("m1", day("2024-03-10"))
	require.NoError(t, s.Put(ctx, msg, queue.NewStatus(msg)))
	path := filepath.Join(s.Root(), "deferred", "2024-03-10", "m1.eml")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	st := queue.NewStatus(msg)
	st.Recipients["rcpt@example.com"] = queue.Delivered()
	require.NoError(t, s.UpdateStatus(ctx, st))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after)

	_, got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, queue.StateDelivered, got.Recipients["rcpt@example.com"].State)
}

func TestUpdateStatusNotFound(t *testing.T) {
	s := newSpool(t)
	err := s.UpdateStatus(context.Background(), &queue.Status{ID: "ghost"})
	require.ErrorIs(t, err, queue.ErrNotFound)
}

func TestListIncompleteAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)

	for i, id := range []string{"a", "b", "c", "d"} {
		msg := testMessage(id, day("2024-03-1"+string(rune('0'+i))))
		st := queue.NewStatus(msg)
		if id == "d" {
			st.Recipients["rcpt@example.com"] = queue.Delivered()
		}
		require.NoError(t, s.Put(ctx, msg, st))
	}
	require.NoError(t, s.Move(ctx, "b", queue.Deferred, queue.Ready, "2024-03-11", "2024-03-11"))

	restarted, err := Open(dir, nil)
	require.NoError(t, err)
	incomplete, err := restarted.ListIncomplete(ctx)
	require.NoError(t, err)

	var ids []string
	for _, st := range incomplete {
		ids = append(ids, st.ID)
	}
	require.ElementsMatch(t, []string{"a", "b", "c"}, ids)
}

func TestListRecentReportsTerminalOnce(t *testing.T) {
	ctx := context.Background()
	s := newSpool(t)

	msg := testMessage("m1", day("2024-03-10"))
	require.NoError(t, s.Put(ctx, msg, queue.NewStatus(msg)))

	for i := 0; i < 3; i++ {
		recent, err := s.ListRecent(ctx)
		require.NoError(t, err)
		require.Len(t, recent, 1, "non-terminal message is returned on every call")
	}

	st := queue.NewStatus(msg)
	st.Recipients["rcpt@example.com"] = queue.FailedResult("550 no such user")
	require.NoError(t, s.UpdateStatus(ctx, st))

	recent, err := s.ListRecent(ctx)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.True(t, recent[0].Retrieved)

	recent, err = s.ListRecent(ctx)
	require.NoError(t, err)
	require.Empty(t, recent)
}

func TestListRecentExactlyOnceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		dir, err := os.MkdirTemp("", "spool")
		if err != nil {
			rt.Fatalf("tempdir: %v", err)
		}
		defer os.RemoveAll(dir)
		s, err := Open(dir, nil)
		if err != nil {
			rt.Fatalf("open: %v", err)
		}

		n := rapid.IntRange(1, 6).Draw(rt, "messages")
		seen := make(map[string]int)
		terminal := make(map[string]bool)
		for i := 0; i < n; i++ {
			id := string(rune('a' + i))
			msg := testMessage(id, day("2024-03-10"))
			if err := s.Put(ctx, msg, queue.NewStatus(msg)); err != nil {
				rt.Fatalf("put: %v", err)
			}
		}

		polls := rapid.IntRange(1, 8).Draw(rt, "polls")
		for p := 0; p < polls; p++ {
			// finish a random message before each poll
			i := rapid.IntRange(0, n-1).Draw(rt, "finish")
			id := string(rune('a' + i))
			if !terminal[id] {
				st := &queue.Status{ID: id, Recipients: map[string]queue.RecipientResult{
					"rcpt@example.com": queue.Delivered(),
				}}
				if err := s.UpdateStatus(ctx, st); err != nil {
					rt.Fatalf("update: %v", err)
				}
				terminal[id] = true
			}
			recent, err := s.ListRecent(ctx)
			if err != nil {
				rt.Fatalf("list recent: %v", err)
			}
			for _, st := range recent {
				if queue.Completed(st) {
					seen[st.ID]++
				} else if terminal[st.ID] {
					rt.Fatalf("terminal message %s reported as incomplete", st.ID)
				}
			}
		}
		for id := range terminal {
			if seen[id] != 1 {
				rt.Fatalf("terminal message %s observed %d times", id, seen[id])
			}
		}
	})
}

func TestMoveCompletesInterruptedMove(t *testing.T) {
	ctx := context.Background()
	s := newSpool(t)

	msg := testMessage("m1", day("2024-03-10"))
	require.NoError(t, s.Put(ctx, msg, queue.NewStatus(msg)))

	// simulate a crash after the content rename
	src := filepath.Join(s.Root(), "ready", "2024-03-10")
	dst := filepath.Join(s.Root(), "sent", "2024-03-11")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, s.Move(ctx, "m1", queue.Deferred, queue.Ready, "2024-03-10", "2024-03-10"))
	require.NoError(t, os.MkdirAll(dst, 0o755))
	require.NoError(t, os.Rename(filepath.Join(src, "m1.eml"), filepath.Join(dst, "m1.eml")))

	ids, err := s.IDs(ctx, queue.Ready, "2024-03-10")
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, ids, "sidecar keeps the message committed at the source")

	require.NoError(t, s.Move(ctx, "m1", queue.Ready, queue.Sent, "2024-03-10", "2024-03-11"))
	require.NoError(t, s.Move(ctx, "m1", queue.Ready, queue.Sent, "2024-03-10", "2024-03-11"))

	got, _, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, msg.Content, got.Content)
	require.NoFileExists(t, filepath.Join(src, "m1.json"))
}

func TestMoveCompletesTowardsAnotherBucket(t *testing.T) {
	ctx := context.Background()
	s := newSpool(t)

	msg := testMessage("m1", day("2024-03-10"))
	require.NoError(t, s.Put(ctx, msg, queue.NewStatus(msg)))

	// content reached ready/2024-03-10 before the crash
	stranded := filepath.Join(s.Root(), "ready", "2024-03-10")
	require.NoError(t, os.MkdirAll(stranded, 0o755))
	require.NoError(t, os.Rename(
		filepath.Join(s.Root(), "deferred", "2024-03-10", "m1.eml"),
		filepath.Join(stranded, "m1.eml")))

	got, _, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, msg.Content, got.Content)

	require.NoError(t, s.Move(ctx, "m1", queue.Deferred, queue.Ready, "2024-03-10", "2024-03-11"))
	require.FileExists(t, filepath.Join(s.Root(), "ready", "2024-03-11", "m1.eml"))
	require.FileExists(t, filepath.Join(s.Root(), "ready", "2024-03-11", "m1.json"))
	require.NoFileExists(t, filepath.Join(stranded, "m1.eml"))

	got, _, err = s.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, msg.Content, got.Content)
}

func TestPutFollowsNewDueDate(t *testing.T) {
	ctx := context.Background()
	s := newSpool(t)

	msg := testMessage("m1", day("2024-03-10"))
	require.NoError(t, s.Put(ctx, msg, queue.NewStatus(msg)))

	msg.DueDate = day("2024-03-15")
	require.NoError(t, s.Put(ctx, msg, queue.NewStatus(msg)))

	ids, err := s.IDs(ctx, queue.Deferred, "2024-03-15")
	require.NoError(t, err)
	require.Equal(t, []string{"m1"}, ids)
	require.FileExists(t, filepath.Join(s.Root(), "deferred", "2024-03-15", "m1.eml"))
	require.NoDirExists(t, filepath.Join(s.Root(), "deferred", "2024-03-10"))

	got, _, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "2024-03-15", got.Due())
}

func TestMoveMissingIsDataError(t *testing.T) {
	s := newSpool(t)
	err := s.Move(context.Background(), "ghost", queue.Deferred, queue.Ready, "2024-03-10", "2024-03-10")
	var de *queue.DataError
	require.True(t, errors.As(err, &de))
	require.Equal(t, "ghost", de.ID)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := newSpool(t)

	msg := testMessage("m1", day("2024-03-10"))
	require.NoError(t, s.Put(ctx, msg, queue.NewStatus(msg)))

	require.NoError(t, s.Prune(ctx, queue.Deferred, "2024-03-10"))
	require.DirExists(t, filepath.Join(s.Root(), "deferred", "2024-03-10"))

	require.NoError(t, s.Move(ctx, "m1", queue.Deferred, queue.Ready, "2024-03-10", "2024-03-10"))
	require.NoError(t, s.Prune(ctx, queue.Deferred, "2024-03-10"))
	require.NoDirExists(t, filepath.Join(s.Root(), "deferred", "2024-03-10"))
}

func TestMalformedSidecarSkipped(t *testing.T) {
	ctx := context.Background()
	s := newSpool(t)

	msg := testMessage("good", day("2024-03-10"))
	require.NoError(t, s.Put(ctx, msg, queue.NewStatus(msg)))
	bad := filepath.Join(s.Root(), "deferred", "2024-03-10", "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))

	incomplete, err := s.ListIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	require.Equal(t, "good", incomplete[0].ID)

	_, _, err = s.Get(ctx, "bad")
	require.True(t, queue.IsDataError(err))
}

func TestFreshSpoolScanWritesNothing(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "spool")
	s, err := Open(root, nil)
	require.NoError(t, err)

	_, err = s.ListRecent(ctx)
	require.NoError(t, err)
	buckets, err := s.Buckets(ctx, queue.Deferred)
	require.NoError(t, err)
	require.Empty(t, buckets)
	require.NoDirExists(t, root)
}

func TestPutSanitizesID(t *testing.T) {
	s := newSpool(t)
	for _, id := range []string{"../bad", "a/b", "", ".hidden", "glob*"} {
		msg := testMessage(id, day("2024-03-10"))
		err := s.Put(context.Background(), msg, queue.NewStatus(msg))
		require.Error(t, err, "id %q", id)
	}
}

func TestPutRequiresRecipients(t *testing.T) {
	s := newSpool(t)
	msg := testMessage("m1", day("2024-03-10"))
	msg.Envelope.To = nil
	require.True(t, queue.IsDataError(s.Put(context.Background(), msg, &queue.Status{ID: "m1"})))
}
