package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"ai-legalchat-be/internal/config"
)

var (
	ErrServerFull    = errors.New("server connection limit reached")
	ErrUserConnLimit = errors.New("user connection limit reached")
)

// UserConnectionSet aggregates one user's live connections together with the
// shared rate counter and activity stamp. Multiple tabs or devices of the
// same user draw from one message budget.
type UserConnectionSet struct {
	UserId       uuid.UUID
	conns        map[uuid.UUID]Sender
	messageCount int
	windowStart  time.Time
	lastActivity time.Time
}

// Registry maps user identities to their live connection sets and enforces
// the server-wide and per-user connection ceilings. All mutation happens
// under one lock; every exported method is a single atomic step.
type Registry struct {
	mu    sync.Mutex
	users map[uuid.UUID]*UserConnectionSet
	total int
	cfg   config.RelayConfig
}

func NewRegistry(cfg config.RelayConfig) *Registry {
	return &Registry{
		users: make(map[uuid.UUID]*UserConnectionSet),
		cfg:   cfg,
	}
}

// HasServerCapacity reports whether another connection fits under the
// server-wide ceiling. Checked on transport accept, before any
// authentication work is spent.
func (r *Registry) HasServerCapacity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total < r.cfg.MaxConnections
}

// Register binds a connection to its authenticated user, creating the user's
// set on first connect.
func (r *Registry) Register(userId uuid.UUID, conn Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.total >= r.cfg.MaxConnections {
		return ErrServerFull
	}

	set, ok := r.users[userId]
	if !ok {
		now := time.Now()
		set = &UserConnectionSet{
			UserId:       userId,
			conns:        make(map[uuid.UUID]Sender),
			windowStart:  now,
			lastActivity: now,
		}
		r.users[userId] = set
	}

	if len(set.conns) >= r.cfg.MaxConnectionsPerUser {
		return ErrUserConnLimit
	}

	set.conns[conn.Id()] = conn
	set.lastActivity = time.Now()
	r.total++
	return nil
}

// Unregister removes one connection from its user's set. An emptied set is
// left in place; only the reaper sweep removes sets, which keeps the close
// path free of map churn.
func (r *Registry) Unregister(userId, connId uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userId]
	if !ok {
		return
	}
	if _, ok := set.conns[connId]; ok {
		delete(set.conns, connId)
		r.total--
	}
}

// Allow reports whether the user may send another message within the current
// rate window. The window resets only once now is strictly past
// windowStart + window, so a send landing exactly on the boundary can slip
// one extra message through. That behavior is intentional.
func (r *Registry) Allow(userId uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userId]
	if !ok {
		return false
	}

	now := time.Now()
	if now.Sub(set.windowStart) > r.cfg.RateWindow {
		set.messageCount = 0
		set.windowStart = now
		return true
	}
	return set.messageCount < r.cfg.RateMaxMessages
}

// MarkMessage bumps the user's shared message counter and refreshes the
// activity stamp. Rate limiting and idle detection read the same stamp.
func (r *Registry) MarkMessage(userId uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.users[userId]; ok {
		set.messageCount++
		set.lastActivity = time.Now()
	}
}

// Touch refreshes the user's activity stamp without consuming rate budget.
func (r *Registry) Touch(userId uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.users[userId]; ok {
		set.lastActivity = time.Now()
	}
}

// Counts returns the live connection and user totals for the metrics
// snapshot.
func (r *Registry) Counts() (connections, users int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total, len(r.users)
}

// SweepResult summarizes one reaper pass.
type SweepResult struct {
	ClosedConnections int
	PrunedConnections int
	ReapedUsers       []uuid.UUID
}

// Sweep force-closes every connection of users idle past the threshold,
// prunes connections whose transport already died, and drops emptied sets.
// This is the only place a UserConnectionSet is ever removed. Closing involves
// a websocket write with its own deadline, so idle connections are collected
// under the lock and closed after it is released.
func (r *Registry) Sweep(now time.Time, idleTimeout time.Duration, closeCode int) SweepResult {
	r.mu.Lock()

	var result SweepResult
	var toClose []Sender
	for userId, set := range r.users {
		if now.Sub(set.lastActivity) > idleTimeout {
			for connId, conn := range set.conns {
				toClose = append(toClose, conn)
				delete(set.conns, connId)
				r.total--
				result.ClosedConnections++
			}
		} else {
			for connId, conn := range set.conns {
				if conn.IsClosed() {
					delete(set.conns, connId)
					r.total--
					result.PrunedConnections++
				}
			}
		}
		if len(set.conns) == 0 {
			delete(r.users, userId)
			result.ReapedUsers = append(result.ReapedUsers, userId)
		}
	}
	r.mu.Unlock()

	for _, conn := range toClose {
		conn.ForceClose(closeCode, "idle timeout")
	}
	return result
}
