// Package presence aggregates per-user availability across simultaneous
// connections and fans out changes to interested subscribers.
//
// The state machine per user: OFFLINE -> ONLINE on first connect;
// ONLINE/AWAY/BUSY via explicit SetStatus; back to OFFLINE when the last
// connection closes. OFFLINE is derived only, re-enterable, and freezes
// last_seen at the instant the last connection went away.
package presence

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Tracker errors.
var (
	ErrUnknownStatus    = errors.New("presence: unknown status")
	ErrCannotSetOffline = errors.New("presence: cannot set offline explicitly")
	ErrNotOnline        = errors.New("presence: user has no live connections")
)

// Record is a point-in-time snapshot of one user's presence. Records are
// created lazily on first connect and persist across reconnects until swept.
type Record struct {
	UserID        string            `json:"user_id"`
	Username      string            `json:"username,omitempty"`
	Status        Status            `json:"status"`
	StatusMessage string            `json:"status_message,omitempty"`
	LastSeen      time.Time         `json:"last_seen"`
	ConnectionIDs []string          `json:"connection_ids,omitempty"`
	Location      string            `json:"location,omitempty"`
	DeviceInfo    map[string]string `json:"device_info,omitempty"`
}

type userRecord struct {
	userID        string
	username      string
	status        Status
	statusMessage string
	lastSeen      time.Time
	conns         map[string]struct{}
	location      string
	device        map[string]string
}

func (r *userRecord) snapshot() Record {
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var device map[string]string
	if len(r.device) > 0 {
		device = make(map[string]string, len(r.device))
		for k, v := range r.device {
			device[k] = v
		}
	}

	return Record{
		UserID:        r.userID,
		Username:      r.username,
		Status:        r.status,
		StatusMessage: r.statusMessage,
		LastSeen:      r.lastSeen,
		ConnectionIDs: ids,
		Location:      r.location,
		DeviceInfo:    device,
	}
}

// UpdateFunc delivers a presence record to one subscriber.
type UpdateFunc func(subscriberID string, rec Record)

// Tracker owns all presence records plus the subscriber/target interest
// graph. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*userRecord

	// target user id -> set of subscriber ids
	watchers map[string]map[string]struct{}
	// subscriber id -> set of target user ids
	interests map[string]map[string]struct{}

	onUpdate UpdateFunc
	logger   *slog.Logger
}

// NewTracker creates an empty tracker. A nil logger defaults to
// slog.Default().
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		records:   make(map[string]*userRecord),
		watchers:  make(map[string]map[string]struct{}),
		interests: make(map[string]map[string]struct{}),
		logger:    logger.With("component", "presence"),
	}
}

// SetOnUpdate installs the delivery hook for presence fan-out. Set once at
// startup, before traffic.
func (t *Tracker) SetOnUpdate(fn UpdateFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onUpdate = fn
}

// HandleConnect records a new connection for the user: creates the record
// lazily, forces ONLINE from any state, merges device info, stamps
// last_seen, and fans out the update.
func (t *Tracker) HandleConnect(userID, username, connID string, device map[string]string) Record {
	t.mu.Lock()

	rec, ok := t.records[userID]
	if !ok {
		rec = &userRecord{
			userID: userID,
			conns:  make(map[string]struct{}),
			device: make(map[string]string),
		}
		t.records[userID] = rec
	}
	if username != "" {
		rec.username = username
	}
	rec.conns[connID] = struct{}{}
	rec.status = StatusOnline
	rec.lastSeen = time.Now()
	for k, v := range device {
		rec.device[k] = v
	}

	snap := rec.snapshot()
	t.mu.Unlock()

	t.logger.Debug("presence connect", "user_id", userID, "conn_id", connID)
	t.fanOut(snap)
	return snap
}

// HandleDisconnect removes the connection from the user's record. The user
// transitions to OFFLINE, with last_seen frozen at this instant, only when
// the connection list becomes empty; otherwise status is unchanged and no
// update is fanned out. wentOffline reports the transition.
func (t *Tracker) HandleDisconnect(userID, connID string) (rec Record, wentOffline bool) {
	t.mu.Lock()

	r, ok := t.records[userID]
	if !ok {
		t.mu.Unlock()
		return Record{UserID: userID, Status: StatusOffline}, false
	}
	delete(r.conns, connID)
	if len(r.conns) == 0 {
		r.status = StatusOffline
		r.lastSeen = time.Now()
		wentOffline = true
	}
	snap := r.snapshot()
	t.mu.Unlock()

	if wentOffline {
		t.logger.Debug("presence offline", "user_id", userID)
		t.fanOut(snap)
	}
	return snap, wentOffline
}

// SetStatus applies an explicit ONLINE/AWAY/BUSY override. OFFLINE can never
// be set explicitly, and a user with no live connections cannot set status.
// Every accepted change fans out exactly one update.
func (t *Tracker) SetStatus(userID string, s Status, message string) (Record, error) {
	switch s {
	case StatusOnline, StatusAway, StatusBusy:
	case StatusOffline:
		return Record{}, ErrCannotSetOffline
	default:
		return Record{}, ErrUnknownStatus
	}

	t.mu.Lock()
	rec, ok := t.records[userID]
	if !ok || len(rec.conns) == 0 {
		t.mu.Unlock()
		return Record{}, ErrNotOnline
	}
	rec.status = s
	rec.statusMessage = message
	rec.lastSeen = time.Now()
	snap := rec.snapshot()
	t.mu.Unlock()

	t.logger.Debug("presence status", "user_id", userID, "status", s.String())
	t.fanOut(snap)
	return snap, nil
}

// SetLocation records the user's advertised location and fans out.
func (t *Tracker) SetLocation(userID, location string) (Record, error) {
	t.mu.Lock()
	rec, ok := t.records[userID]
	if !ok || len(rec.conns) == 0 {
		t.mu.Unlock()
		return Record{}, ErrNotOnline
	}
	rec.location = location
	snap := rec.snapshot()
	t.mu.Unlock()

	t.fanOut(snap)
	return snap, nil
}

// Subscribe adds interest edges from subscriberID to each target and returns
// snapshots of every target that currently has a record, replaying state
// before future increments arrive.
func (t *Tracker) Subscribe(subscriberID string, targets ...string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	interests, ok := t.interests[subscriberID]
	if !ok {
		interests = make(map[string]struct{})
		t.interests[subscriberID] = interests
	}

	var snaps []Record
	for _, target := range targets {
		interests[target] = struct{}{}
		w, ok := t.watchers[target]
		if !ok {
			w = make(map[string]struct{})
			t.watchers[target] = w
		}
		w[subscriberID] = struct{}{}

		if rec, ok := t.records[target]; ok {
			snaps = append(snaps, rec.snapshot())
		}
	}
	return snaps
}

// Unsubscribe removes interest edges. With no targets it removes every edge
// the subscriber holds (connection teardown path).
func (t *Tracker) Unsubscribe(subscriberID string, targets ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	interests, ok := t.interests[subscriberID]
	if !ok {
		return
	}

	if len(targets) == 0 {
		for target := range interests {
			targets = append(targets, target)
		}
	}
	for _, target := range targets {
		delete(interests, target)
		if w, ok := t.watchers[target]; ok {
			delete(w, subscriberID)
			if len(w) == 0 {
				delete(t.watchers, target)
			}
		}
	}
	if len(interests) == 0 {
		delete(t.interests, subscriberID)
	}
}

// fanOut delivers rec to every subscriber watching rec.UserID. A user with
// zero subscribers is a no-op.
func (t *Tracker) fanOut(rec Record) {
	t.mu.RLock()
	fn := t.onUpdate
	w := t.watchers[rec.UserID]
	if fn == nil || len(w) == 0 {
		t.mu.RUnlock()
		return
	}
	subs := make([]string, 0, len(w))
	for id := range w {
		subs = append(subs, id)
	}
	t.mu.RUnlock()

	for _, id := range subs {
		fn(id, rec)
	}
}

// Get returns the user's current record.
func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[userID]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Online returns records for every user whose status is not OFFLINE,
// ordered by user id.
func (t *Tracker) Online() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Record
	for _, rec := range t.records {
		if rec.status != StatusOffline {
			out = append(out, rec.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Count returns the number of tracked records, offline included.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// OnlineCount returns the number of users currently not OFFLINE.
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, rec := range t.records {
		if rec.status != StatusOffline {
			n++
		}
	}
	return n
}

// SubscriberCount returns the number of users with at least one active
// subscription. This is for monitoring/testing purposes.
func (t *Tracker) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.interests)
}

// SweepStaleRecords purges records that have been OFFLINE longer than
// maxAge. Memory hygiene only; a purged user reappears on next connect.
func (t *Tracker) SweepStaleRecords(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, rec := range t.records {
		if rec.status == StatusOffline && rec.lastSeen.Before(cutoff) {
			delete(t.records, id)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Info("swept stale presence records", "removed", removed)
	}
	return removed
}
