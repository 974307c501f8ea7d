package relay

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRegistryCapacityLimits(t *testing.T) {
	cfg := testRelayConfig()
	cfg.MaxConnections = 3
	cfg.MaxConnectionsPerUser = 2
	registry := NewRegistry(cfg)

	alice := uuid.New()
	bob := uuid.New()

	assert.NoError(t, registry.Register(alice, newFakeSender()))
	assert.NoError(t, registry.Register(alice, newFakeSender()))
	assert.ErrorIs(t, registry.Register(alice, newFakeSender()), ErrUserConnLimit)

	assert.NoError(t, registry.Register(bob, newFakeSender()))
	assert.False(t, registry.HasServerCapacity())
	assert.ErrorIs(t, registry.Register(bob, newFakeSender()), ErrServerFull)

	connections, users := registry.Counts()
	assert.Equal(t, 3, connections)
	assert.Equal(t, 2, users)
}

func TestRegistryUnregisterLeavesEmptySet(t *testing.T) {
	registry := NewRegistry(testRelayConfig())
	alice := uuid.New()
	conn := newFakeSender()

	assert.NoError(t, registry.Register(alice, conn))
	registry.Unregister(alice, conn.Id())

	connections, users := registry.Counts()
	assert.Equal(t, 0, connections)
	// The emptied set stays until a sweep removes it.
	assert.Equal(t, 1, users)

	result := registry.Sweep(time.Now(), testRelayConfig().IdleTimeout, 4008)
	assert.Equal(t, []uuid.UUID{alice}, result.ReapedUsers)

	_, users = registry.Counts()
	assert.Equal(t, 0, users)
}

func TestRegistryRateLimitSharedAcrossConnections(t *testing.T) {
	cfg := testRelayConfig()
	cfg.RateMaxMessages = 3
	registry := NewRegistry(cfg)
	alice := uuid.New()

	connA := newFakeSender()
	connB := newFakeSender()
	assert.NoError(t, registry.Register(alice, connA))
	assert.NoError(t, registry.Register(alice, connB))

	// Two connections of one user draw from a single budget.
	for i := 0; i < cfg.RateMaxMessages; i++ {
		assert.True(t, registry.Allow(alice), "message %d should pass", i)
		registry.MarkMessage(alice)
	}
	assert.False(t, registry.Allow(alice))
}

func TestRegistryRateWindowReset(t *testing.T) {
	cfg := testRelayConfig()
	cfg.RateWindow = 50 * time.Millisecond
	cfg.RateMaxMessages = 1
	registry := NewRegistry(cfg)
	alice := uuid.New()

	assert.NoError(t, registry.Register(alice, newFakeSender()))

	assert.True(t, registry.Allow(alice))
	registry.MarkMessage(alice)
	assert.False(t, registry.Allow(alice))

	// The counter resets once the window has strictly elapsed.
	time.Sleep(80 * time.Millisecond)
	assert.True(t, registry.Allow(alice))
}

func TestRegistryAllowUnknownUser(t *testing.T) {
	registry := NewRegistry(testRelayConfig())
	assert.False(t, registry.Allow(uuid.New()))
}

func TestSweepClosesIdleUsers(t *testing.T) {
	cfg := testRelayConfig()
	registry := NewRegistry(cfg)
	alice := uuid.New()
	conn := newFakeSender()

	assert.NoError(t, registry.Register(alice, conn))

	// Not idle yet: nothing happens.
	result := registry.Sweep(time.Now(), cfg.IdleTimeout, cfg.CapacityCloseCode)
	assert.Empty(t, result.ReapedUsers)
	assert.False(t, conn.IsClosed())

	// Pretend the idle threshold has long passed.
	result = registry.Sweep(time.Now().Add(cfg.IdleTimeout+time.Minute), cfg.IdleTimeout, cfg.CapacityCloseCode)
	assert.Equal(t, 1, result.ClosedConnections)
	assert.Equal(t, []uuid.UUID{alice}, result.ReapedUsers)
	assert.True(t, conn.IsClosed())
	assert.Equal(t, cfg.CapacityCloseCode, conn.closeCode)

	connections, users := registry.Counts()
	assert.Equal(t, 0, connections)
	assert.Equal(t, 0, users)
}

// reentrantSender reads the registry from inside ForceClose, the way a close
// handler observing server load would. Closing while the sweep still holds
// the registry lock deadlocks this immediately.
type reentrantSender struct {
	*fakeSender
	registry     *Registry
	seenConns    int
	seenUsers    int
	closedDuring bool
}

func (s *reentrantSender) ForceClose(code int, reason string) {
	s.seenConns, s.seenUsers = s.registry.Counts()
	s.closedDuring = true
	s.fakeSender.ForceClose(code, reason)
}

func TestSweepClosesOutsideRegistryLock(t *testing.T) {
	cfg := testRelayConfig()
	registry := NewRegistry(cfg)
	alice := uuid.New()
	conn := &reentrantSender{fakeSender: newFakeSender(), registry: registry}

	assert.NoError(t, registry.Register(alice, conn))

	result := registry.Sweep(time.Now().Add(cfg.IdleTimeout+time.Minute), cfg.IdleTimeout, cfg.CapacityCloseCode)
	assert.Equal(t, 1, result.ClosedConnections)
	assert.True(t, conn.closedDuring)
	// Bookkeeping is already settled by the time the transport goes down.
	assert.Equal(t, 0, conn.seenConns)
	assert.Equal(t, 0, conn.seenUsers)
	assert.True(t, conn.IsClosed())
}

func TestSweepPrunesDeadTransports(t *testing.T) {
	cfg := testRelayConfig()
	registry := NewRegistry(cfg)
	alice := uuid.New()
	live := newFakeSender()
	dead := newFakeSender()

	assert.NoError(t, registry.Register(alice, live))
	assert.NoError(t, registry.Register(alice, dead))
	dead.ForceClose(1000, "gone")

	result := registry.Sweep(time.Now(), cfg.IdleTimeout, cfg.CapacityCloseCode)
	assert.Equal(t, 1, result.PrunedConnections)
	assert.Empty(t, result.ReapedUsers)
	assert.False(t, live.IsClosed())

	connections, users := registry.Counts()
	assert.Equal(t, 1, connections)
	assert.Equal(t, 1, users)
}
