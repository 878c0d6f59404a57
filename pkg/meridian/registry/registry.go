// Package registry tracks which users are connected, which rooms each
// user has joined, and who is currently typing where. It is pure
// in-memory state with no I/O; all operations are synchronous and
// never block on anything but the registry's own lock.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handle is the opaque identifier of one live client connection.
// The gateway assigns it; the registry never interprets it.
type Handle string

// Session is the bookkeeping for one connected user.
type Session struct {
	UserID      string
	Handle      Handle
	ConnectedAt time.Time
	LastSeen    time.Time
	rooms       map[string]struct{}
}

// Rooms returns the ids of the rooms the session has joined, sorted.
func (s *Session) Rooms() []string {
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// InRoom reports whether the session has joined the given room.
func (s *Session) InRoom(roomID string) bool {
	_, ok := s.rooms[roomID]
	return ok
}

// TypingEntry records that a user is typing in a room.
type TypingEntry struct {
	UserID    string
	RoomID    string
	StartedAt time.Time
}

// Registry is the process-local connection registry. It is an
// explicitly constructed component: created at process start, torn
// down at shutdown, never a package-level global.
//
// A user has at most one live session; a new Register for the same
// user replaces the previous bookkeeping rather than merging it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session               // userId -> session
	byHandle map[Handle]string                 // handle -> userId
	typing   map[string]map[string]TypingEntry // roomId -> userId -> entry
	logger   *zap.Logger
	clock    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New creates an empty registry.
func New(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		byHandle: make(map[Handle]string),
		typing:   make(map[string]map[string]TypingEntry),
		logger:   logger,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates the session for userID, replacing any existing one.
// The replaced session's rooms and typing entries are discarded.
func (r *Registry) Register(userID string, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[userID]; ok {
		delete(r.byHandle, prev.Handle)
		r.clearTypingLocked(userID)
		r.logger.Debug("replacing existing session",
			zap.String("user_id", userID),
			zap.String("old_handle", string(prev.Handle)),
		)
	}

	now := r.clock()
	r.sessions[userID] = &Session{
		UserID:      userID,
		Handle:      handle,
		ConnectedAt: now,
		LastSeen:    now,
		rooms:       make(map[string]struct{}),
	}
	r.byHandle[handle] = userID

	r.logger.Debug("session registered",
		zap.String("user_id", userID),
		zap.String("handle", string(handle)),
	)
}

// Unregister removes the session identified by handle and clears the
// user's typing entries in every room. It returns the owning userID,
// or ok=false if the handle is unknown (for example because a newer
// connection already replaced it) - that case is a no-op, not an error.
func (r *Registry) Unregister(handle Handle) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byHandle[handle]
	if !ok {
		return "", false
	}

	delete(r.byHandle, handle)
	delete(r.sessions, userID)
	r.clearTypingLocked(userID)

	r.logger.Debug("session unregistered",
		zap.String("user_id", userID),
		zap.String("handle", string(handle)),
	)
	return userID, true
}

// JoinRoom adds roomID to the user's room set. It returns false if the
// user has no active session. Joining an already-joined room is a no-op.
func (r *Registry) JoinRoom(userID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[userID]
	if !ok {
		return false
	}
	session.rooms[roomID] = struct{}{}
	session.LastSeen = r.clock()
	return true
}

// LeaveRoom removes roomID from the user's room set and clears any
// typing entry for that (user, room) pair. Leaving a room not joined
// is a no-op returning false.
func (r *Registry) LeaveRoom(userID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[userID]
	if !ok {
		return false
	}
	if _, joined := session.rooms[roomID]; !joined {
		return false
	}
	delete(session.rooms, roomID)
	session.LastSeen = r.clock()
	r.removeTypingLocked(roomID, userID)
	return true
}

// StartTyping records that the user is typing in the room and returns
// the entry. The user must be connected; ok=false otherwise.
func (r *Registry) StartTyping(userID, roomID string) (TypingEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[userID]
	if !ok {
		return TypingEntry{}, false
	}
	session.LastSeen = r.clock()

	room := r.typing[roomID]
	if room == nil {
		room = make(map[string]TypingEntry)
		r.typing[roomID] = room
	}
	entry := TypingEntry{UserID: userID, RoomID: roomID, StartedAt: r.clock()}
	room[userID] = entry
	return entry, true
}

// StopTyping removes the typing entry for (user, room). Stopping when
// no entry exists is a no-op returning false.
func (r *Registry) StopTyping(userID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[userID]; ok {
		session.LastSeen = r.clock()
	}

	room, ok := r.typing[roomID]
	if !ok {
		return false
	}
	if _, ok := room[userID]; !ok {
		return false
	}
	r.removeTypingLocked(roomID, userID)
	return true
}

// Touch updates the user's LastSeen to now. Unknown users are ignored.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[userID]; ok {
		session.LastSeen = r.clock()
	}
}

// IsConnected reports whether the user has a live session.
func (r *Registry) IsConnected(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sessions[userID]
	return ok
}

// ConnectedUsers returns the ids of all connected users, sorted.
func (r *Registry) ConnectedUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// UsersInRoom returns the ids of connected users who joined roomID, sorted.
func (r *Registry) UsersInRoom(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var users []string
	for id, session := range r.sessions {
		if _, ok := session.rooms[roomID]; ok {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}

// TypingUsersInRoom returns the ids of users currently typing in
// roomID, sorted.
func (r *Registry) TypingUsersInRoom(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.typing[roomID]
	users := make([]string, 0, len(room))
	for id := range room {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Rooms returns the room ids the user has joined, or nil for unknown
// users.
func (r *Registry) Rooms(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	return session.Rooms()
}

// StaleSessions returns the user ids of sessions whose LastSeen is
// older than maxIdle.
func (r *Registry) StaleSessions(maxIdle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock().Add(-maxIdle)
	var stale []string
	for id, session := range r.sessions {
		if session.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// EvictStale removes every session idle for longer than maxIdle,
// including its typing entries, and returns the evicted user ids.
func (r *Registry) EvictStale(maxIdle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock().Add(-maxIdle)
	var evicted []string
	for id, session := range r.sessions {
		if session.LastSeen.Before(cutoff) {
			delete(r.byHandle, session.Handle)
			delete(r.sessions, id)
			r.clearTypingLocked(id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)

	if len(evicted) > 0 {
		r.logger.Info("evicted stale sessions",
			zap.Strings("user_ids", evicted),
			zap.Duration("max_idle", maxIdle),
		)
	}
	return evicted
}

// removeTypingLocked deletes one typing entry and drops the room's
// typing container once empty. Callers hold r.mu.
func (r *Registry) removeTypingLocked(roomID, userID string) {
	room, ok := r.typing[roomID]
	if !ok {
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(r.typing, roomID)
	}
}

// clearTypingLocked removes the user's typing entries from every room.
// Callers hold r.mu.
func (r *Registry) clearTypingLocked(userID string) {
	for roomID, room := range r.typing {
		if _, ok := room[userID]; ok {
			delete(room, userID)
			if len(room) == 0 {
				delete(r.typing, roomID)
			}
		}
	}
}
