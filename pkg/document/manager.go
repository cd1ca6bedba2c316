package document

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/atriumhq/atrium/pkg/protocol"
)

// DefaultHistoryLimit is the number of stamped operations a session retains.
const DefaultHistoryLimit = 200

// defaultPalette is the fixed display-color palette, assigned round-robin
// per session. Stable within a process, not unique across restarts.
var defaultPalette = []string{
	"#f94144", "#f3722c", "#f8961e", "#f9c74f", "#90be6d",
	"#43aa8b", "#4d908e", "#577590", "#277da1", "#9b5de5",
}

// Config controls session behavior.
type Config struct {
	// HistoryLimit caps each session's retained operation history. The
	// oldest operation is evicted past the cap. Default: 200.
	HistoryLimit int

	// Palette is the color cycle for joining editors. Defaults to a fixed
	// ten-color palette.
	Palette []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		HistoryLimit: DefaultHistoryLimit,
		Palette:      defaultPalette,
	}
}

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Palette = append([]string(nil), c.Palette...)
	return &clone
}

type participant struct {
	username string
	color    string
	cursor   *Cursor
	joinedAt time.Time
	conns    map[string]struct{}
}

type session struct {
	docID        string
	version      int64
	participants map[string]*participant
	history      []Operation
	createdAt    time.Time
	lastEditAt   time.Time
	savedAt      time.Time
	savedBy      string
	paletteNext  int
}

func (s *session) snapshot() Snapshot {
	users := make([]UserInfo, 0, len(s.participants))
	var cursors []Cursor
	for id, p := range s.participants {
		users = append(users, UserInfo{UserID: id, Username: p.username, Color: p.color})
		if p.cursor != nil {
			cursors = append(cursors, *p.cursor)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	sort.Slice(cursors, func(i, j int) bool { return cursors[i].UserID < cursors[j].UserID })

	return Snapshot{
		DocumentID: s.docID,
		Version:    s.version,
		Users:      users,
		Cursors:    cursors,
		CreatedAt:  s.createdAt,
		LastEditAt: s.lastEditAt,
	}
}

// Manager owns all document sessions. Sessions are created lazily on first
// open and destroyed, history and version included, when the last
// participant closes. Safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	cfg      *Config
	logger   *slog.Logger
}

// NewManager creates an empty manager. Nil config and logger take defaults.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg = cfg.Clone()
		if cfg.HistoryLimit <= 0 {
			cfg.HistoryLimit = DefaultHistoryLimit
		}
		if len(cfg.Palette) == 0 {
			cfg.Palette = defaultPalette
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*session),
		cfg:      cfg,
		logger:   logger.With("component", "document"),
	}
}

// Open adds a user's connection to the document session, creating the
// session lazily. The first open by a user assigns the next palette color;
// further opens (other tabs) reuse it and only add a connection reference.
func (m *Manager) Open(docID, userID, username, connID string) (OpenResult, error) {
	if docID == "" {
		return OpenResult{}, ErrEmptyDocumentID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[docID]
	if !ok {
		sess = &session{
			docID:        docID,
			participants: make(map[string]*participant),
			createdAt:    time.Now(),
		}
		m.sessions[docID] = sess
		m.logger.Info("document session created", "doc_id", docID)
	}

	p, ok := sess.participants[userID]
	joined := false
	if !ok {
		color := m.cfg.Palette[sess.paletteNext%len(m.cfg.Palette)]
		sess.paletteNext++
		p = &participant{
			username: username,
			color:    color,
			joinedAt: time.Now(),
			conns:    make(map[string]struct{}),
		}
		sess.participants[userID] = p
		joined = true
	} else if username != "" {
		p.username = username
	}
	p.conns[connID] = struct{}{}

	return OpenResult{
		Snapshot: sess.snapshot(),
		User:     UserInfo{UserID: userID, Username: p.username, Color: p.color},
		Joined:   joined,
	}, nil
}

// Close drops one connection reference. The user leaves (cursor removed)
// when their last reference drops; the session is destroyed when its active
// set empties.
func (m *Manager) Close(docID, userID, connID string) (CloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[docID]
	if !ok {
		return CloseResult{}, ErrSessionNotFound
	}
	p, ok := sess.participants[userID]
	if !ok {
		return CloseResult{}, ErrNotParticipant
	}

	delete(p.conns, connID)
	res := CloseResult{
		User: UserInfo{UserID: userID, Username: p.username, Color: p.color},
	}
	if len(p.conns) > 0 {
		return res, nil
	}

	delete(sess.participants, userID)
	res.Left = true
	if len(sess.participants) == 0 {
		delete(m.sessions, docID)
		res.Destroyed = true
		m.logger.Info("document session destroyed", "doc_id", docID, "final_version", sess.version)
	}
	return res, nil
}

// ApplyEdit stamps an operation: the session version increments by exactly
// one, the stamped operation is appended to the bounded history, and any
// supplied cursor position is overwritten in place. The returned operation
// carries the version the editor uses to confirm its optimistic edit.
func (m *Manager) ApplyEdit(docID, userID, op string, changes []byte, pos *int, sel *protocol.Selection) (Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[docID]
	if !ok {
		return Operation{}, ErrSessionNotFound
	}
	p, ok := sess.participants[userID]
	if !ok {
		return Operation{}, ErrNotParticipant
	}

	sess.version++
	stamped := Operation{
		Version:   sess.version,
		UserID:    userID,
		Operation: op,
		Changes:   changes,
		Timestamp: time.Now(),
	}
	sess.history = append(sess.history, stamped)
	if len(sess.history) > m.cfg.HistoryLimit {
		sess.history = sess.history[len(sess.history)-m.cfg.HistoryLimit:]
	}
	sess.lastEditAt = stamped.Timestamp

	if pos != nil {
		sess.setCursor(userID, p, *pos, sel)
	}
	return stamped, nil
}

// UpdateCursor overwrites the user's cursor and returns it, color and
// username filled for the broadcast.
func (m *Manager) UpdateCursor(docID, userID string, pos int, sel *protocol.Selection) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[docID]
	if !ok {
		return Cursor{}, ErrSessionNotFound
	}
	p, ok := sess.participants[userID]
	if !ok {
		return Cursor{}, ErrNotParticipant
	}

	sess.setCursor(userID, p, pos, sel)
	return *p.cursor, nil
}

func (s *session) setCursor(userID string, p *participant, pos int, sel *protocol.Selection) {
	p.cursor = &Cursor{
		UserID:    userID,
		Username:  p.username,
		Color:     p.color,
		Position:  pos,
		Selection: sel,
		UpdatedAt: time.Now(),
	}
}

// RecordSave stamps that a save occurred and returns the notice to
// broadcast. Persisting document bytes is the persistence layer's job.
func (m *Manager) RecordSave(docID, userID string) (SaveInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[docID]
	if !ok {
		return SaveInfo{}, ErrSessionNotFound
	}
	if _, ok := sess.participants[userID]; !ok {
		return SaveInfo{}, ErrNotParticipant
	}

	sess.savedAt = time.Now()
	sess.savedBy = userID
	return SaveInfo{
		DocumentID: docID,
		Version:    sess.version,
		SavedBy:    userID,
		SavedAt:    sess.savedAt,
	}, nil
}

// HistorySince returns the retained operations with versions past since, in
// order. truncated reports that the window no longer reaches back to since,
// in which case the caller must fetch full external state instead.
func (m *Manager) HistorySince(docID string, since int64) (ops []Operation, truncated bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[docID]
	if !ok {
		return nil, false, ErrSessionNotFound
	}

	firstRetained := sess.version + 1
	if len(sess.history) > 0 {
		firstRetained = sess.history[0].Version
	}
	truncated = since+1 < firstRetained

	for _, op := range sess.history {
		if op.Version > since {
			ops = append(ops, op)
		}
	}
	return ops, truncated, nil
}

// SnapshotOf returns the session snapshot for introspection.
func (m *Manager) SnapshotOf(docID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[docID]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return sess.snapshot(), nil
}

// Docs returns the ids of all open sessions, sorted.
func (m *Manager) Docs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ParticipantCount returns the number of active editors in a session.
func (m *Manager) ParticipantCount(docID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if sess, ok := m.sessions[docID]; ok {
		return len(sess.participants)
	}
	return 0
}
