// Package storage implements the filesystem message store. Every lifecycle
// location is a directory holding one sub-directory per calendar date, and
// every message is a pair of sibling files sharing the message id as
// basename: <id>.eml with the transport-ready content and <id>.json with the
// envelope and delivery status. The JSON sidecar is the commit marker: it is
// written after the content on Put and moved after the content on Move.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mailerd/queue"
)

const (
	contentExt = ".eml"
	statusExt  = ".json"
)

// DefaultDir is used when no spool directory is configured.
const DefaultDir = "./mails"

// Spool is a queue.Spool rooted at a directory.
type Spool struct {
	root string
	log  *slog.Logger
	now  func() time.Time

	// mu serialises read-modify-write of sidecars.
	mu sync.Mutex
}

var _ queue.Spool = (*Spool)(nil)

// sidecar is the on-disk JSON record stored next to the content.
type sidecar struct {
	ID         string                           `json:"id"`
	From       string                           `json:"from"`
	To         []string                         `json:"to"`
	DueDate    string                           `json:"due_date"`
	CreatedAt  time.Time                        `json:"created_at"`
	Recipients map[string]queue.RecipientResult `json:"recipients"`
	Retrieved  bool                             `json:"retrieved"`
	UpdatedAt  time.Time                        `json:"updated_at"`
}

func (s *sidecar) status() *queue.Status {
	st := &queue.Status{
		ID:         s.ID,
		Recipients: s.Recipients,
		Retrieved:  s.Retrieved,
		UpdatedAt:  s.UpdatedAt,
	}
	if st.Recipients == nil {
		st.Recipients = map[string]queue.RecipientResult{}
	}
	return st
}

// location identifies where a record currently lives.
type location struct {
	loc    queue.Location
	bucket string
}

// Open returns a spool rooted at dir. The directory is created lazily on
// the first write so read-only scans of a fresh spool leave no trace.
func Open(dir string, log *slog.Logger) (*Spool, error) {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &queue.StoreError{Op: "open", Err: err}
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return nil, &queue.StoreError{Op: "open", Err: fmt.Errorf("%s is not a directory", abs)}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Spool{root: abs, log: log, now: time.Now}, nil
}

// Root returns the spool directory.
func (s *Spool) Root() string { return s.root }

// Put stores content then sidecar. An existing record is overwritten where
// it lies, except that a deferred record follows its due date into
// deferred/<due date>; a new record goes to deferred/<due date>.
func (s *Spool) Put(ctx context.Context, msg *queue.Message, st *queue.Status) error {
	id, err := sanitizeComponent(msg.ID)
	if err != nil {
		return &queue.DataError{ID: msg.ID, Err: err}
	}
	if len(msg.Envelope.To) == 0 {
		return &queue.DataError{ID: id, Err: errors.New("envelope has no recipients")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	where := location{loc: queue.Deferred, bucket: msg.Due()}
	created := s.now().UTC()
	if found, err := s.locate(id); err == nil {
		where = found
		if prev, err := s.readSidecar(id, found); err == nil {
			created = prev.CreatedAt
		}
	} else if !errors.Is(err, queue.ErrNotFound) {
		return err
	}

	dir := s.bucketDir(where.loc, where.bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &queue.StoreError{Op: "put", Err: err}
	}
	if err := WriteFileAtomic(filepath.Join(dir, id+contentExt), msg.Content); err != nil {
		return &queue.StoreError{Op: "put", Err: err}
	}

	sc := &sidecar{
		ID:         id,
		From:       msg.Envelope.From,
		To:         append([]string(nil), msg.Envelope.To...),
		DueDate:    msg.Due(),
		CreatedAt:  created,
		Recipients: st.Recipients,
		Retrieved:  st.Retrieved,
		UpdatedAt:  s.now().UTC(),
	}
	if err := s.writeSidecar(sc, where); err != nil {
		return err
	}
	if where.loc != queue.Deferred || where.bucket == msg.Due() {
		return nil
	}
	if err := s.move(id, queue.Deferred, queue.Deferred, where.bucket, msg.Due()); err != nil {
		return err
	}
	return s.Prune(ctx, queue.Deferred, where.bucket)
}

// Get returns the message and its status.
func (s *Spool) Get(ctx context.Context, id string) (*queue.Message, *queue.Status, error) {
	safe, err := sanitizeComponent(id)
	if err != nil {
		return nil, nil, queue.ErrNotFound
	}
	where, err := s.locate(safe)
	if err != nil {
		return nil, nil, err
	}
	sc, err := s.readSidecar(safe, where)
	if err != nil {
		return nil, nil, err
	}
	path := filepath.Join(s.bucketDir(where.loc, where.bucket), safe+contentExt)
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		// an interrupted Move may have carried the content ahead
		stray, serr := s.strayContent(safe, path)
		if serr != nil {
			return nil, nil, serr
		}
		if stray != "" {
			content, err = os.ReadFile(stray)
		}
	}
	if err != nil {
		return nil, nil, &queue.DataError{ID: safe, Path: path, Err: err}
	}
	due, err := queue.ParseDay(sc.DueDate)
	if err != nil {
		return nil, nil, &queue.DataError{ID: safe, Path: path, Err: fmt.Errorf("due date: %w", err)}
	}
	msg := &queue.Message{
		ID:       sc.ID,
		Envelope: queue.Envelope{From: sc.From, To: sc.To},
		Content:  content,
		DueDate:  due,
	}
	return msg, sc.status(), nil
}

// UpdateStatus rewrites the sidecar status of an existing record.
func (s *Spool) UpdateStatus(ctx context.Context, st *queue.Status) error {
	id, err := sanitizeComponent(st.ID)
	if err != nil {
		return queue.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	where, err := s.locate(id)
	if err != nil {
		return err
	}
	sc, err := s.readSidecar(id, where)
	if err != nil {
		return err
	}
	sc.Recipients = st.Recipients
	sc.Retrieved = st.Retrieved
	sc.UpdatedAt = st.UpdatedAt
	if sc.UpdatedAt.IsZero() {
		sc.UpdatedAt = s.now().UTC()
	}
	return s.writeSidecar(sc, where)
}

// ListIncomplete returns every non-terminal status in the spool.
func (s *Spool) ListIncomplete(ctx context.Context) ([]*queue.Status, error) {
	var out []*queue.Status
	err := s.walk(ctx, func(sc *sidecar, _ location) error {
		st := sc.status()
		if !queue.Completed(st) {
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

// ListRecent returns every non-terminal status and every terminal status
// not yet retrieved. The latter are marked retrieved before returning.
func (s *Spool) ListRecent(ctx context.Context) ([]*queue.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*queue.Status
	err := s.walk(ctx, func(sc *sidecar, where location) error {
		st := sc.status()
		switch {
		case !queue.Completed(st):
			out = append(out, st)
		case !sc.Retrieved:
			sc.Retrieved = true
			if err := s.writeSidecar(sc, where); err != nil {
				return err
			}
			out = append(out, sc.status())
		}
		return nil
	})
	return out, err
}

// Buckets lists the bucket directories of a location, sorted.
func (s *Spool) Buckets(ctx context.Context, loc queue.Location) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(loc)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &queue.StoreError{Op: "list buckets", Err: err}
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// IDs lists the committed message ids of a bucket, that is, those with a
// sidecar present.
func (s *Spool) IDs(ctx context.Context, loc queue.Location, bucket string) ([]string, error) {
	entries, err := os.ReadDir(s.bucketDir(loc, bucket))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &queue.StoreError{Op: "list ids", Err: err}
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, statusExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, statusExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Move renames content then sidecar into the destination bucket. Repeating
// an interrupted move completes it, whichever destination bucket the
// repeat names.
func (s *Spool) Move(ctx context.Context, id string, from, to queue.Location, fromBucket, toBucket string) error {
	safe, err := sanitizeComponent(id)
	if err != nil {
		return &queue.DataError{ID: id, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.move(safe, from, to, fromBucket, toBucket)
}

// move does the work of Move; the caller holds mu.
func (s *Spool) move(id string, from, to queue.Location, fromBucket, toBucket string) error {
	srcDir := s.bucketDir(from, fromBucket)
	dstDir := s.bucketDir(to, toBucket)
	if !exists(filepath.Join(srcDir, id+statusExt)) && !exists(filepath.Join(dstDir, id+statusExt)) {
		return &queue.DataError{ID: id, Path: filepath.Join(srcDir, id+statusExt), Err: fs.ErrNotExist}
	}
	if srcDir == dstDir {
		return nil
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return &queue.StoreError{Op: "move", Err: err}
	}

	for _, ext := range []string{contentExt, statusExt} {
		src := filepath.Join(srcDir, id+ext)
		dst := filepath.Join(dstDir, id+ext)
		err := os.Rename(src, dst)
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return &queue.StoreError{Op: "move", Err: err}
		}
		if exists(dst) {
			// moved by an earlier, interrupted attempt
			continue
		}
		if ext == contentExt {
			stray, serr := s.strayContent(id, src)
			if serr != nil {
				return serr
			}
			if stray != "" {
				if err := os.Rename(stray, dst); err != nil {
					return &queue.StoreError{Op: "move", Err: err}
				}
				s.log.Info("recovered content of interrupted move", "id", id, "from", stray)
				continue
			}
		}
		return &queue.DataError{ID: id, Path: src, Err: err}
	}
	s.log.Debug("message moved", "id", id,
		"from", string(from)+"/"+fromBucket, "to", string(to)+"/"+toBucket)
	return nil
}

// Prune removes the bucket directory when it holds no entries.
func (s *Spool) Prune(ctx context.Context, loc queue.Location, bucket string) error {
	dir := s.bucketDir(loc, bucket)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &queue.StoreError{Op: "prune", Err: err}
	}
	if len(entries) > 0 {
		return nil
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &queue.StoreError{Op: "prune", Err: err}
	}
	return nil
}

func (s *Spool) bucketDir(loc queue.Location, bucket string) string {
	return filepath.Join(s.root, string(loc), bucket)
}

// locate finds the bucket holding the committed record for id.
func (s *Spool) locate(id string) (location, error) {
	for _, loc := range queue.Locations {
		matches, err := filepath.Glob(filepath.Join(s.root, string(loc), "*", id+statusExt))
		if err != nil {
			return location{}, &queue.StoreError{Op: "locate", Err: err}
		}
		if len(matches) > 0 {
			return location{loc: loc, bucket: filepath.Base(filepath.Dir(matches[0]))}, nil
		}
	}
	return location{}, queue.ErrNotFound
}

// strayContent finds content for id lying anywhere in the spool other than
// at skip. It returns an empty path when there is none.
func (s *Spool) strayContent(id, skip string) (string, error) {
	for _, loc := range queue.Locations {
		matches, err := filepath.Glob(filepath.Join(s.root, string(loc), "*", id+contentExt))
		if err != nil {
			return "", &queue.StoreError{Op: "locate", Err: err}
		}
		for _, m := range matches {
			if m != skip {
				return m, nil
			}
		}
	}
	return "", nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Spool) readSidecar(id string, where location) (*sidecar, error) {
	path := filepath.Join(s.bucketDir(where.loc, where.bucket), id+statusExt)
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, &queue.StoreError{Op: "read", Err: err}
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, &queue.DataError{ID: id, Path: path, Err: err}
	}
	if sc.ID != id {
		return nil, &queue.DataError{ID: id, Path: path, Err: fmt.Errorf("sidecar id %q does not match file name", sc.ID)}
	}
	return &sc, nil
}

func (s *Spool) writeSidecar(sc *sidecar, where location) error {
	raw, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return &queue.DataError{ID: sc.ID, Err: err}
	}
	path := filepath.Join(s.bucketDir(where.loc, where.bucket), sc.ID+statusExt)
	if err := WriteFileAtomic(path, raw); err != nil {
		return &queue.StoreError{Op: "write status", Err: err}
	}
	return nil
}

// walk visits every committed sidecar. Malformed sidecars are logged as
// data errors and skipped.
func (s *Spool) walk(ctx context.Context, fn func(*sidecar, location) error) error {
	for _, loc := range queue.Locations {
		buckets, err := s.Buckets(ctx, loc)
		if err != nil {
			return err
		}
		for _, bucket := range buckets {
			ids, err := s.IDs(ctx, loc, bucket)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := ctx.Err(); err != nil {
					return err
				}
				where := location{loc: loc, bucket: bucket}
				sc, err := s.readSidecar(id, where)
				switch {
				case errors.Is(err, queue.ErrNotFound):
					// moved away since listing
					continue
				case queue.IsDataError(err):
					s.log.Warn("skipping malformed record", "id", id, "bucket", string(loc)+"/"+bucket, "err", err)
					continue
				case err != nil:
					return err
				}
				if err := fn(sc, where); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func sanitizeComponent(v string) (string, error) {
	if strings.ContainsAny(v, "/\\*?[]") || strings.Contains(v, "..") {
		return "", errors.New("invalid identifier")
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("empty identifier")
	}
	if strings.HasPrefix(v, ".") {
		return "", errors.New("invalid identifier")
	}
	return v, nil
}
