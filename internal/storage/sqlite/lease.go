package sqlite

import (
	"context"
	"errors"
	"time"

	"callscribe/pkg/logger"
)

// ErrLockBusy is returned when the single-flight lease could not be acquired
// within the caller's wait budget.
var ErrLockBusy = errors.New("pipeline lock busy")

const leasePollInterval = 100 * time.Millisecond

// TryAcquireSingleFlight attempts to take the pipeline lease, retrying until
// wait elapses. On success the returned release function must be called when
// the pipeline run finishes. The lease carries a TTL so a crashed holder
// never wedges the system: an expired lease is claimed by the next caller.
func (s *Store) TryAcquireSingleFlight(ctx context.Context, holder string, wait, ttl time.Duration) (func(), error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := s.tryClaimLease(holder, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			s.logger.Debug("Acquired pipeline lease",
				logger.String("holder", holder),
				logger.Duration("ttl", ttl))
			release := func() {
				if err := s.releaseLease(holder); err != nil {
					s.logger.Warn("Failed to release pipeline lease",
						logger.String("holder", holder),
						logger.Error(err))
				}
			}
			return release, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leasePollInterval):
		}
	}
}

// tryClaimLease atomically inserts or takes over the lease row. It succeeds
// when no lease exists, when the existing lease expired, or when the holder
// already owns it (re-entry after a crash of the same holder ID).
func (s *Store) tryClaimLease(holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO singleflight (id, holder, acquired_at, expires_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE singleflight.expires_at < ? OR singleflight.holder = excluded.holder`,
		holder,
		now.Format(time.RFC3339),
		now.Add(ttl).Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return false, storeErr("claim lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("claim lease", err)
	}
	return n > 0, nil
}

func (s *Store) releaseLease(holder string) error {
	_, err := s.db.Exec(`DELETE FROM singleflight WHERE id = 1 AND holder = ?`, holder)
	if err != nil {
		return storeErr("release lease", err)
	}
	return nil
}
