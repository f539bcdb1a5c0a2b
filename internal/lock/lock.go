// Package lock provides the named, time-bounded exclusive locks that
// serialise order execution per (symbol, position_side) across engine
// instances, backed by a MongoDB collection.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Lock is one persisted lock row.
type Lock struct {
	Name       string    `bson:"_id" json:"name"`
	HolderID   string    `bson:"holder_id" json:"holder_id"`
	AcquiredAt time.Time `bson:"acquired_at" json:"acquired_at"`
	ExpiresAt  time.Time `bson:"expires_at" json:"expires_at"`
}

// Store is the persistence boundary for locks. TryAcquire must be atomic:
// it succeeds only when the lock is absent or expired.
type Store interface {
	TryAcquire(ctx context.Context, lock Lock) (bool, error)
	Release(ctx context.Context, name, holderID string) error
	Renew(ctx context.Context, name, holderID string, expiresAt time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ExecutionLockName builds the per-(symbol, position_side) execution lock
// name, e.g. "order_execution_BTCUSDT_LONG".
func ExecutionLockName(symbol, positionSide string) string {
	return "order_execution_" + symbol + "_" + positionSide
}

// Service errors.
var (
	ErrAcquireTimeout = errors.New("lock acquire timed out")
	ErrNotHolder      = errors.New("lock held by another owner")
)

// Service acquires and releases locks with wall-time expiry. Each service
// instance has a stable holder identity.
type Service struct {
	store        Store
	holderID     string
	ttl          time.Duration
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewService creates a lock service. ttl bounds how long a crashed holder
// can block others.
func NewService(store Store, ttl time.Duration, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Service{
		store:        store,
		holderID:     uuid.NewString(),
		ttl:          ttl,
		pollInterval: 100 * time.Millisecond,
		logger:       logger.With().Str("component", "LockService").Logger(),
	}
}

// HolderID returns this instance's lock owner identity.
func (s *Service) HolderID() string {
	return s.holderID
}

// Acquire blocks until the named lock is held or the timeout elapses.
func (s *Service) Acquire(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		now := time.Now().UTC()
		ok, err := s.store.TryAcquire(ctx, Lock{
			Name:       name,
			HolderID:   s.holderID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(s.ttl),
		})
		if err != nil {
			return err
		}
		if ok {
			s.logger.Debug().Str("lock", name).Msg("Lock acquired")
			return nil
		}
		if time.Now().After(deadline) {
			return ErrAcquireTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// Release frees a lock this instance holds. Releasing a lock owned by
// someone else fails with ErrNotHolder.
func (s *Service) Release(ctx context.Context, name string) error {
	if err := s.store.Release(ctx, name, s.holderID); err != nil {
		return err
	}
	s.logger.Debug().Str("lock", name).Msg("Lock released")
	return nil
}

// RunSweeper periodically deletes expired lock rows until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.DeleteExpired(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Warn().Err(err).Msg("Lock sweep failed")
				continue
			}
			if removed > 0 {
				s.logger.Info().Int64("removed", removed).Msg("Swept expired locks")
			}
		}
	}
}

// leaderLockName is the lock that elects the single OCO monitor when more
// than one engine instance runs.
const leaderLockName = "oco_monitor_leader"

// RunLeaderElection keeps trying to hold the leadership lock and reports
// transitions on the returned channel. The holder renews at ttl/3; losing
// a renewal demotes immediately.
func (s *Service) RunLeaderElection(ctx context.Context, ttl time.Duration) <-chan bool {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	ch := make(chan bool, 1)

	go func() {
		defer close(ch)
		leader := false
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()

		for {
			now := time.Now().UTC()
			var ok bool
			var err error
			if leader {
				ok, err = s.store.Renew(ctx, leaderLockName, s.holderID, now.Add(ttl))
			} else {
				ok, err = s.store.TryAcquire(ctx, Lock{
					Name:       leaderLockName,
					HolderID:   s.holderID,
					AcquiredAt: now,
					ExpiresAt:  now.Add(ttl),
				})
			}
			if err != nil {
				s.logger.Warn().Err(err).Bool("leader", leader).Msg("Leader election step failed")
				ok = false
			}
			if ok != leader {
				leader = ok
				s.logger.Info().Bool("leader", leader).Msg("Leadership changed")
				select {
				case ch <- leader:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				if leader {
					releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					_ = s.store.Release(releaseCtx, leaderLockName, s.holderID)
					cancel()
				}
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}
