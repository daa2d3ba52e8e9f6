package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrSessionNotFound marks a lookup against an id with no record.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCorruptRecord marks a record that exists but cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt session record")
	// ErrInvalidState marks a state value outside the closed enum.
	ErrInvalidState = errors.New("invalid session state")
)

// FileStore is a directory-backed session store. Each session is one JSON
// record plus one bare-string state lock file keyed by id.
type FileStore struct {
	dir    string
	logger zerolog.Logger

	seqMu sync.Mutex
}

// New creates a FileStore rooted at dir, creating the layout if needed.
func New(dir string, logger zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".drover")
	}

	for _, sub := range []string{"sessions", "state"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	return &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// Dir returns the store root directory.
func (fs *FileStore) Dir() string { return fs.dir }

// StateDir returns the directory holding the per-session state lock files.
// Other tooling polls this directory to discover pending work.
func (fs *FileStore) StateDir() string { return filepath.Join(fs.dir, "state") }

func (fs *FileStore) recordPath(id int64) string {
	return filepath.Join(fs.dir, "sessions", strconv.FormatInt(id, 10)+".json")
}

func (fs *FileStore) statePath(id int64) string {
	return filepath.Join(fs.dir, "state", strconv.FormatInt(id, 10))
}

func (fs *FileStore) evalLockPath(id int64) string {
	return filepath.Join(fs.dir, "state", strconv.FormatInt(id, 10)+".eval.lock")
}

// NextID allocates the next session id. It is race-safe across processes:
// the counter file is guarded by an exclusive-create lock file, so two
// concurrent callers can never observe the same value.
func (fs *FileStore) NextID() (int64, error) {
	fs.seqMu.Lock()
	defer fs.seqMu.Unlock()

	lockPath := filepath.Join(fs.dir, "seq.lock")
	if err := fs.acquireExclusive(lockPath, 5*time.Second); err != nil {
		return 0, fmt.Errorf("failed to lock id counter: %w", err)
	}
	defer os.Remove(lockPath)

	seqPath := filepath.Join(fs.dir, "seq")
	current := int64(0)
	if data, err := os.ReadFile(seqPath); err == nil {
		parsed, perr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("id counter file is corrupt: %w", perr)
		}
		current = parsed
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to read id counter: %w", err)
	}

	next := current + 1
	if err := atomicWrite(seqPath, []byte(strconv.FormatInt(next, 10))); err != nil {
		return 0, fmt.Errorf("failed to advance id counter: %w", err)
	}
	return next, nil
}

// acquireExclusive creates path with O_EXCL, retrying until the deadline.
// The holder pid is recorded; a lock owned by a dead process is stolen.
func (fs *FileStore) acquireExclusive(path string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return err
		}

		if pid, rerr := readPidFile(path); rerr == nil && !processAlive(pid) {
			fs.logger.Warn().Int("pid", pid).Str("lock", path).Msg("Stealing lock from dead process")
			os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for lock %s", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// CreateSpec seeds a brand-new session from an agent template.
type CreateSpec struct {
	Template     string
	SystemPrompt string
	Model        string
	Provider     string
	Labels       []string
	Timeout      time.Duration
}

// Create forks a new session from a template. With no initial prompt the
// session is born success (nothing to do); with a prompt it is pending.
func (fs *FileStore) Create(spec CreateSpec, prompt string) (int64, error) {
	id, err := fs.NextID()
	if err != nil {
		return 0, err
	}

	sess := &Session{
		ID:           id,
		Template:     spec.Template,
		Labels:       normalizeLabels(spec.Labels),
		Model:        spec.Model,
		Provider:     spec.Provider,
		PID:          os.Getpid(),
		Timeout:      spec.Timeout,
		StartTime:    time.Now(),
		SystemPrompt: spec.SystemPrompt,
		State:        StateSuccess,
	}
	if prompt != "" {
		sess.Messages = append(sess.Messages, Message{
			Timestamp: time.Now(),
			Role:      "user",
			Content:   prompt,
		})
		sess.State = StatePending
	}

	if err := fs.Save(id, sess); err != nil {
		return 0, err
	}
	fs.logger.Info().Int64("session", id).Str("template", spec.Template).Str("state", string(sess.State)).Msg("Session created")
	return id, nil
}

// Fork copies an existing session's full message history into a new
// session. Extra labels are merged with the source's.
func (fs *FileStore) Fork(sourceID int64, prompt string, labels []string) (int64, error) {
	src, err := fs.Load(sourceID)
	if err != nil {
		return 0, err
	}

	id, err := fs.NextID()
	if err != nil {
		return 0, err
	}

	sess := &Session{
		ID:           id,
		Template:     src.Template,
		Labels:       normalizeLabels(append(append([]string{}, src.Labels...), labels...)),
		Model:        src.Model,
		Provider:     src.Provider,
		PID:          os.Getpid(),
		Timeout:      src.Timeout,
		StartTime:    time.Now(),
		SystemPrompt: src.SystemPrompt,
		Messages:     append([]Message{}, src.Messages...),
		State:        StateSuccess,
	}
	if prompt != "" {
		sess.Messages = append(sess.Messages, Message{
			Timestamp: time.Now(),
			Role:      "user",
			Content:   prompt,
		})
		sess.State = StatePending
	}

	if err := fs.Save(id, sess); err != nil {
		return 0, err
	}
	fs.logger.Info().Int64("session", id).Int64("source", sourceID).Msg("Session forked")
	return id, nil
}

// Load reads a session record and its state lock file.
func (fs *FileStore) Load(id int64) (*Session, error) {
	data, err := os.ReadFile(fs.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to read session %d: %w", id, err)
	}

	sess, err := decodeRecord(id, data)
	if err != nil {
		return nil, err
	}

	state, err := fs.GetState(id)
	if err != nil {
		return nil, err
	}
	sess.State = state
	return sess, nil
}

// Save persists the record atomically, then commits the state lock file.
func (fs *FileStore) Save(id int64, sess *Session) error {
	if _, err := ParseState(string(sess.State)); err != nil {
		return err
	}

	data, err := encodeRecord(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %d: %w", id, err)
	}
	if err := atomicWrite(fs.recordPath(id), data); err != nil {
		return fmt.Errorf("failed to write session %d: %w", id, err)
	}
	if err := atomicWrite(fs.statePath(id), []byte(sess.State)); err != nil {
		return fmt.Errorf("failed to write state for session %d: %w", id, err)
	}
	return nil
}

// GetState reads the bare-string state lock file.
func (fs *FileStore) GetState(id int64) (State, error) {
	data, err := os.ReadFile(fs.statePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %d", ErrSessionNotFound, id)
		}
		return "", fmt.Errorf("failed to read state for session %d: %w", id, err)
	}
	return ParseState(strings.TrimSpace(string(data)))
}

// SetState rewrites the state lock file. Values outside the enum are
// rejected before touching disk.
func (fs *FileStore) SetState(id int64, state State) error {
	if _, err := ParseState(string(state)); err != nil {
		return err
	}
	if _, err := os.Stat(fs.recordPath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
		}
		return fmt.Errorf("failed to stat session %d: %w", id, err)
	}
	if err := atomicWrite(fs.statePath(id), []byte(state)); err != nil {
		return fmt.Errorf("failed to write state for session %d: %w", id, err)
	}
	return nil
}

// Push appends a user message and forces the session back to pending,
// whatever state it was in. A success session is deliberately reopened.
func (fs *FileStore) Push(id int64, prompt string) error {
	sess, err := fs.Load(id)
	if err != nil {
		return err
	}
	sess.Messages = append(sess.Messages, Message{
		Timestamp: time.Now(),
		Role:      "user",
		Content:   prompt,
	})
	sess.State = StatePending
	if err := fs.Save(id, sess); err != nil {
		return err
	}
	fs.logger.Info().Int64("session", id).Msg("Prompt pushed")
	return nil
}

// Kill forces a session to fail. Explicit external action; no message is
// appended.
func (fs *FileStore) Kill(id int64) error {
	if err := fs.SetState(id, StateFail); err != nil {
		return err
	}
	fs.logger.Info().Int64("session", id).Msg("Session killed")
	return nil
}

// Filter narrows List results. ID, Labels (all must be present) and
// NotLabels (none may be present) compose with AND semantics. States
// filters on the lock-file state.
type Filter struct {
	ID        *int64
	Labels    []string
	NotLabels []string
	States    []State
}

func (f Filter) matches(sess *Session) bool {
	if f.ID != nil && sess.ID != *f.ID {
		return false
	}
	for _, l := range f.Labels {
		if !sess.HasLabel(l) {
			return false
		}
	}
	for _, l := range f.NotLabels {
		if sess.HasLabel(l) {
			return false
		}
	}
	if len(f.States) > 0 {
		ok := false
		for _, st := range f.States {
			if sess.State == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// List loads every session matching the filter, ordered by id. Corrupt
// records are logged and skipped; Load is the strict path.
func (fs *FileStore) List(filter Filter) ([]*Session, error) {
	entries, err := os.ReadDir(filepath.Join(fs.dir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var ids []int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, perr := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if perr != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sessions []*Session
	for _, id := range ids {
		if filter.ID != nil && id != *filter.ID {
			continue
		}
		sess, lerr := fs.Load(id)
		if lerr != nil {
			fs.logger.Warn().Int64("session", id).Err(lerr).Msg("Skipping unreadable session")
			continue
		}
		if filter.matches(sess) {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// AcquireEvalLock takes the per-session evaluation lock. It returns false
// without error when another live process holds it. Locks left behind by
// dead processes are stolen.
func (fs *FileStore) AcquireEvalLock(id int64) (bool, error) {
	path := fs.evalLockPath(id)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return true, nil
		}
		if !os.IsExist(err) {
			return false, fmt.Errorf("failed to acquire eval lock for session %d: %w", id, err)
		}
		pid, rerr := readPidFile(path)
		if rerr == nil && processAlive(pid) {
			return false, nil
		}
		// Stale or unreadable lock; remove and retry once.
		os.Remove(path)
	}
	return false, nil
}

// ReleaseEvalLock drops the per-session evaluation lock.
func (fs *FileStore) ReleaseEvalLock(id int64) {
	if err := os.Remove(fs.evalLockPath(id)); err != nil && !os.IsNotExist(err) {
		fs.logger.Warn().Int64("session", id).Err(err).Msg("Failed to release eval lock")
	}
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func normalizeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
