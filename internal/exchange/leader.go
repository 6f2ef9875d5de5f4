package exchange

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mockexchange/internal/core"
	"mockexchange/internal/kv"
)

const leaderKey = "engine:leader"

// LeaderLock elects the one engine instance allowed to run control-loop side
// effects. Acquisition is write-if-absent with a TTL; the holder refreshes
// within the TTL and any instance takes over once the key expires.
type LeaderLock struct {
	store  kv.Store
	holder string
	ttl    time.Duration
	log    core.ILogger
	held   bool
}

func NewLeaderLock(store kv.Store, ttl time.Duration, logger core.ILogger) *LeaderLock {
	return &LeaderLock{
		store:  store,
		holder: uuid.NewString(),
		ttl:    ttl,
		log:    logger.WithField("component", "leader"),
	}
}

// HolderID is this instance's lock identity.
func (l *LeaderLock) HolderID() string { return l.holder }

// Held reports the result of the last Ensure call.
func (l *LeaderLock) Held() bool { return l.held }

// Ensure refreshes the lock if held, otherwise tries to take it. Returns
// whether this instance is the leader right now. Errors are logged and
// reported as not-leader so loops simply skip the iteration.
func (l *LeaderLock) Ensure(ctx context.Context) bool {
	ok, err := l.store.ExtendTTL(ctx, leaderKey, l.holder, l.ttl)
	if err != nil {
		l.log.Error("Leader lock refresh failed", "error", err)
		l.held = false
		return false
	}
	if ok {
		l.held = true
		return true
	}
	ok, err = l.store.SetNX(ctx, leaderKey, l.holder, l.ttl)
	if err != nil {
		l.log.Error("Leader lock acquisition failed", "error", err)
		l.held = false
		return false
	}
	if ok && !l.held {
		l.log.Info("Acquired engine leadership", "holder", l.holder)
	}
	l.held = ok
	return ok
}

// Release gives up the lock if this instance holds it.
func (l *LeaderLock) Release(ctx context.Context) {
	ok, err := l.store.DelIfEquals(ctx, leaderKey, l.holder)
	if err != nil {
		l.log.Error("Leader lock release failed", "error", err)
		return
	}
	if ok {
		l.log.Info("Released engine leadership", "holder", l.holder)
	}
	l.held = false
}
