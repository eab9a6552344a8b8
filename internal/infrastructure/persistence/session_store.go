package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/entity"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

const sessionsDir = "sessions"

// validSessionID admits ids that are safe as a single path component.
// Caller-supplied ids reach messagesPath and Delete's RemoveAll, so
// separators and the dot directories must never pass.
func validSessionID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

func invalidSessionID(id string) error {
	return apperrors.New(apperrors.KindInvalidArguments,
		fmt.Sprintf("invalid session id %q", id))
}

// SessionStore is the append-only JSONL log of session messages, one file
// per session at sessions/<id>/messages.jsonl. It is the source of truth;
// the relational index only mirrors it. Writes are serialized per session
// and fsynced so a crash loses at most the in-flight line.
type SessionStore struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessionStore creates the store under the state root.
func NewSessionStore(root string, logger *zap.Logger) (*SessionStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, sessionsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &SessionStore{
		root:   root,
		logger: logger.With(zap.String("component", "session-store")),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *SessionStore) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *SessionStore) messagesPath(id string) string {
	return filepath.Join(s.root, sessionsDir, id, "messages.jsonl")
}

// Append writes one message line and syncs it to disk.
func (s *SessionStore) Append(sessionID string, msg entity.Message) error {
	if !validSessionID(sessionID) {
		return invalidSessionID(sessionID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	path := s.messagesPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append session log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync session log: %w", err)
	}
	return nil
}

// Replay rebuilds a session from its log. A corrupt trailing line (torn
// write from a crash) is skipped with a warning; corrupt lines elsewhere
// are skipped too since each line is independent.
func (s *SessionStore) Replay(sessionID string) (*entity.Session, error) {
	if !validSessionID(sessionID) {
		return nil, invalidSessionID(sessionID)
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.messagesPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	session := &entity.Session{ID: sessionID}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		var msg entity.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Warn("Skipping corrupt session log line",
				zap.String("session_id", sessionID),
				zap.Int("line", line),
				zap.Error(err),
			)
			continue
		}
		session.Append(msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}

	if len(session.Messages) > 0 {
		session.CreatedAt = session.Messages[0].Timestamp
	}
	return session, nil
}

// ListSessionIDs returns all session ids on disk, sorted.
func (s *SessionStore) ListSessionIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sessionsDir))
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a session's directory.
func (s *SessionStore) Delete(sessionID string) error {
	if !validSessionID(sessionID) {
		return invalidSessionID(sessionID)
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(filepath.Join(s.root, sessionsDir, sessionID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	return nil
}
