package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/foreman/audit"
	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/lock"
	"github.com/GoCodeAlone/foreman/store"
)

// ReapResult summarizes a reaper tick.
type ReapResult struct {
	Expired       int   `json:"expired"`
	Contended     int   `json:"contended"`
	Pruned        int64 `json:"pruned"`
	WaitersPruned int64 `json:"waiters_pruned"`
	PruneSkipped  bool  `json:"prune_skipped"`
	Errors        int   `json:"errors"`
}

// ReapLocks runs one reaper tick: active locks past their expiry become
// expired, and at most once per prune interval old finished rows are
// deleted.
func (e *Engine) ReapLocks(ctx context.Context) (ReapResult, error) {
	var res ReapResult
	active := lock.StatusActive
	rows, err := e.store.ListLocks(ctx, lock.Filter{Status: &active})
	if err != nil {
		return res, fmt.Errorf("load active locks: %w", err)
	}
	now := e.clock()
	for _, l := range rows {
		if !l.Expired(now) {
			continue
		}
		var expired, contended bool
		err := e.inTx(ctx, func(r store.Repo, out *outbox) error {
			fresh, err := r.GetLock(ctx, l.ID)
			if err != nil {
				return err
			}
			// Released or extended since the snapshot.
			if fresh.Status != lock.StatusActive || !fresh.Expired(e.clock()) {
				return nil
			}
			contended, err = e.expireLock(ctx, r, out, fresh, e.clock())
			expired = err == nil
			return err
		})
		if err != nil {
			res.Errors++
			e.logger.Warn("lock expiry failed", "lock_id", l.ID, "err", err)
			continue
		}
		if expired {
			res.Expired++
		}
		if contended {
			res.Contended++
		}
	}

	if err := e.prune(ctx, now, &res); err != nil {
		res.Errors++
		e.logger.Warn("lock prune failed", "err", err)
	}
	if res.Expired > 0 || res.Pruned > 0 {
		e.logger.Info("reaper tick", "expired", res.Expired, "contended", res.Contended, "pruned", res.Pruned)
	}
	return res, nil
}

// expireLock retires an active lock whose expiry has passed. If agents were
// refused the resource while it was held, the contention is recorded and
// the waiters are forgotten, since the resource is free again.
func (e *Engine) expireLock(ctx context.Context, r store.Repo, out *outbox, l *lock.FileLock, now time.Time) (contended bool, err error) {
	l.Status = lock.StatusExpired
	l.ReleasedAt = &now
	l.ReleaseReason = "ttl expired"
	if err := r.SaveLock(ctx, l, lock.StatusActive); err != nil {
		return false, err
	}
	out.add(comms.LockExpired, l.ID, l.ResourcePath, map[string]string{"holder": l.HolderAgentID})
	out.then(e.metrics.LocksExpired.Inc)

	waiters, err := r.Waiters(ctx, l.ProjectID, l.ResourcePath)
	if err != nil {
		return false, err
	}
	var ids []string
	for _, w := range waiters {
		if w.AgentID != l.HolderAgentID {
			ids = append(ids, w.AgentID)
		}
	}
	if len(ids) == 0 {
		return false, nil
	}
	desc := fmt.Sprintf("lock on %s held by %s expired while %d agent(s) waited", l.ResourcePath, l.HolderAgentID, len(ids))
	c := &audit.ConflictRecord{
		Kind:         audit.ConflictExpiredContended,
		ProjectID:    l.ProjectID,
		ResourcePath: l.ResourcePath,
		AgentIDs:     append([]string{l.HolderAgentID}, ids...),
		Description:  desc,
		CreatedAt:    now,
	}
	if err := r.InsertConflict(ctx, c); err != nil {
		return false, err
	}
	if err := r.ClearWaiters(ctx, l.ProjectID, l.ResourcePath); err != nil {
		return false, err
	}
	out.add(comms.LockConflict, l.ResourcePath, desc, map[string]string{"conflict_id": c.ID})
	return true, nil
}

// prune deletes finished locks and waiters older than the retention window,
// no more often than the prune interval.
func (e *Engine) prune(ctx context.Context, now time.Time, res *ReapResult) error {
	e.mu.Lock()
	due := e.lastPrune.IsZero() || now.Sub(e.lastPrune) >= e.settings.PruneInterval
	if due {
		e.lastPrune = now
	}
	e.mu.Unlock()
	if !due {
		res.PruneSkipped = true
		return nil
	}

	cutoff := now.Add(-e.settings.Retention)
	return e.store.InTx(ctx, func(r store.Repo) error {
		var stale []string
		for _, st := range []lock.Status{lock.StatusReleased, lock.StatusExpired, lock.StatusForceReleased} {
			st := st
			rows, err := r.ListLocks(ctx, lock.Filter{Status: &st})
			if err != nil {
				return err
			}
			for _, l := range rows {
				finished := l.AcquiredAt
				if l.ReleasedAt != nil {
					finished = *l.ReleasedAt
				}
				if finished.Before(cutoff) {
					stale = append(stale, l.ID)
				}
			}
		}
		n, err := r.DeleteLocks(ctx, stale)
		if err != nil {
			return err
		}
		w, err := r.DeleteWaitersBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		res.Pruned, res.WaitersPruned = n, w
		return nil
	})
}
