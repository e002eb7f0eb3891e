package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/foreman/audit"
	"github.com/GoCodeAlone/foreman/comms"
	"github.com/GoCodeAlone/foreman/lock"
	"github.com/GoCodeAlone/foreman/store"
)

// AcquireRequest asks for a lock on a resource. An empty Type means
// exclusive; a TTL of zero or less means the configured default.
type AcquireRequest struct {
	ProjectID string        `json:"project_id"`
	Path      string        `json:"resource_path"`
	Holder    string        `json:"holder_agent_id"`
	Type      lock.Type     `json:"lock_type"`
	TTL       time.Duration `json:"ttl"`
}

func (req *AcquireRequest) normalize(defaultTTL time.Duration) error {
	req.Path = strings.TrimSpace(req.Path)
	req.Holder = strings.TrimSpace(req.Holder)
	if req.Path == "" {
		return fmt.Errorf("%w: resource_path is required", lock.ErrInvalid)
	}
	if req.Holder == "" {
		return fmt.Errorf("%w: holder_agent_id is required", lock.ErrInvalid)
	}
	if req.Type == "" {
		req.Type = lock.TypeExclusive
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: lock_type %q", lock.ErrInvalid, req.Type)
	}
	if req.TTL <= 0 {
		req.TTL = defaultTTL
	}
	return nil
}

// Acquire grants or extends a lock. Re-acquiring a resource the holder
// already has extends the expiry and sets the new type in place. A request
// that collides with another holder fails with a *lock.ConflictError naming
// that holder; the conflict and the waiting agent are recorded.
func (e *Engine) Acquire(ctx context.Context, req AcquireRequest) (*lock.FileLock, error) {
	if err := req.normalize(e.settings.LockTTL); err != nil {
		return nil, err
	}
	var granted *lock.FileLock
	var refused *lock.ConflictError
	err := e.inTx(ctx, func(r store.Repo, out *outbox) error {
		granted, refused = nil, nil
		now := e.clock()
		expires := now.Add(req.TTL)

		rows, err := r.ActiveLocks(ctx, req.ProjectID, req.Path)
		if err != nil {
			return err
		}
		var mine *lock.FileLock
		var others []*lock.FileLock
		for _, l := range rows {
			if l.Expired(now) {
				// Not held any more; retire it so the row cannot block the
				// exclusive index.
				if _, err := e.expireLock(ctx, r, out, l, now); err != nil {
					return err
				}
				continue
			}
			if l.HolderAgentID == req.Holder && mine == nil {
				mine = l
				continue
			}
			others = append(others, l)
		}

		for _, o := range others {
			if !lock.Compatible(o.Type, req.Type) || (mine != nil && req.Type == lock.TypeExclusive) {
				refused = &lock.ConflictError{
					ResourcePath: req.Path,
					Holder:       o.HolderAgentID,
					HolderType:   o.Type,
					ExpiresAt:    o.ExpiresAt,
				}
				return e.recordContention(ctx, r, out, req, o, now)
			}
		}

		if mine != nil {
			mine.ExpiresAt = &expires
			mine.Type = req.Type
			if err := r.SaveLock(ctx, mine, lock.StatusActive); err != nil {
				return err
			}
			granted = mine
		} else {
			granted = &lock.FileLock{
				ID:            store.NewID(),
				ProjectID:     req.ProjectID,
				ResourcePath:  req.Path,
				HolderAgentID: req.Holder,
				Type:          req.Type,
				Status:        lock.StatusActive,
				AcquiredAt:    now,
				ExpiresAt:     &expires,
			}
			if err := r.InsertLock(ctx, granted); err != nil {
				return err
			}
		}
		if err := r.RemoveWaiter(ctx, req.ProjectID, req.Path, req.Holder); err != nil {
			return err
		}
		out.add(comms.LockAcquired, granted.ID, req.Path, map[string]string{
			"holder":    req.Holder,
			"lock_type": string(req.Type),
			"extended":  fmt.Sprint(mine != nil),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if refused != nil {
		return nil, refused
	}
	return granted, nil
}

func (e *Engine) recordContention(ctx context.Context, r store.Repo, out *outbox, req AcquireRequest, holder *lock.FileLock, now time.Time) error {
	desc := fmt.Sprintf("%s requested %s lock on %s held %s by %s",
		req.Holder, req.Type, req.Path, holder.Type, holder.HolderAgentID)
	c := &audit.ConflictRecord{
		Kind:         audit.ConflictLockContention,
		ProjectID:    req.ProjectID,
		ResourcePath: req.Path,
		AgentIDs:     []string{holder.HolderAgentID, req.Holder},
		Description:  desc,
		CreatedAt:    now,
	}
	if err := r.InsertConflict(ctx, c); err != nil {
		return err
	}
	if err := r.AddWaiter(ctx, req.ProjectID, req.Path, req.Holder, now); err != nil {
		return err
	}
	out.add(comms.LockConflict, req.Path, desc, map[string]string{
		"holder":      holder.HolderAgentID,
		"requester":   req.Holder,
		"conflict_id": c.ID,
	})
	out.then(e.metrics.LockConflicts.Inc)
	return nil
}

// Release frees a lock. Only its holder may release it.
func (e *Engine) Release(ctx context.Context, lockID, holder string) (*lock.FileLock, error) {
	var released *lock.FileLock
	err := e.inTx(ctx, func(r store.Repo, out *outbox) error {
		l, err := r.GetLock(ctx, lockID)
		if err != nil {
			return err
		}
		released, err = e.release(ctx, r, out, l, holder)
		return err
	})
	return released, err
}

// ReleaseByPath frees the lock holder has on a resource.
func (e *Engine) ReleaseByPath(ctx context.Context, projectID, path, holder string) (*lock.FileLock, error) {
	var released *lock.FileLock
	err := e.inTx(ctx, func(r store.Repo, out *outbox) error {
		rows, err := r.ActiveLocks(ctx, projectID, path)
		if err != nil {
			return err
		}
		for _, l := range rows {
			if l.HolderAgentID == holder {
				released, err = e.release(ctx, r, out, l, holder)
				return err
			}
		}
		return fmt.Errorf("%w: %s holds no active lock on %s", lock.ErrNotFound, holder, path)
	})
	return released, err
}

func (e *Engine) release(ctx context.Context, r store.Repo, out *outbox, l *lock.FileLock, holder string) (*lock.FileLock, error) {
	if l.HolderAgentID != holder {
		return nil, fmt.Errorf("%w: lock %s is held by %s, not %s", lock.ErrConflict, l.ID, l.HolderAgentID, holder)
	}
	if l.Status != lock.StatusActive {
		return nil, fmt.Errorf("%w: lock %s is already %s", lock.ErrConflict, l.ID, l.Status)
	}
	now := e.clock()
	l.Status = lock.StatusReleased
	l.ReleasedAt = &now
	l.ReleaseReason = "released by holder"
	if err := r.SaveLock(ctx, l, lock.StatusActive); err != nil {
		return nil, err
	}
	held := now.Sub(l.AcquiredAt)
	out.add(comms.LockReleased, l.ID, l.ResourcePath, map[string]string{
		"holder":       holder,
		"held_seconds": fmt.Sprintf("%.0f", held.Seconds()),
	})
	out.then(func() { e.metrics.LockHeld.Observe(held.Seconds()) })
	return l, nil
}

// ForceRelease frees a lock regardless of its holder and records the
// intervention as a resolved conflict.
func (e *Engine) ForceRelease(ctx context.Context, lockID, reason string) (*lock.FileLock, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "force released by operator"
	}
	var released *lock.FileLock
	err := e.inTx(ctx, func(r store.Repo, out *outbox) error {
		l, err := r.GetLock(ctx, lockID)
		if err != nil {
			return err
		}
		if l.Status != lock.StatusActive {
			return fmt.Errorf("%w: lock %s is already %s", lock.ErrConflict, l.ID, l.Status)
		}
		now := e.clock()
		l.Status = lock.StatusForceReleased
		l.ReleasedAt = &now
		l.ReleaseReason = reason
		if err := r.SaveLock(ctx, l, lock.StatusActive); err != nil {
			return err
		}
		if err := r.InsertConflict(ctx, &audit.ConflictRecord{
			Kind:         audit.ConflictForceRelease,
			ProjectID:    l.ProjectID,
			ResourcePath: l.ResourcePath,
			AgentIDs:     []string{l.HolderAgentID},
			Description:  reason,
			CreatedAt:    now,
			ResolvedAt:   &now,
		}); err != nil {
			return err
		}
		out.add(comms.LockForceReleased, l.ID, l.ResourcePath, map[string]string{
			"holder": l.HolderAgentID,
			"reason": reason,
		})
		released = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("lock force released", "lock_id", lockID, "path", released.ResourcePath,
		"holder", released.HolderAgentID, "reason", reason)
	return released, nil
}

// Check returns the locks currently holding a resource. Locks past their
// expiry that the reaper has not retired yet are left out.
func (e *Engine) Check(ctx context.Context, projectID, path string) ([]*lock.FileLock, error) {
	rows, err := e.store.ActiveLocks(ctx, projectID, path)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	held := rows[:0]
	for _, l := range rows {
		if l.HeldAt(now) {
			held = append(held, l)
		}
	}
	return held, nil
}

// ListLocks returns locks matching f.
func (e *Engine) ListLocks(ctx context.Context, f lock.Filter) ([]*lock.FileLock, error) {
	return e.store.ListLocks(ctx, f)
}

// ListConflicts returns conflict records newest first.
func (e *Engine) ListConflicts(ctx context.Context, f audit.Filter) ([]*audit.ConflictRecord, error) {
	return e.store.ListConflicts(ctx, f)
}

// ResolveConflict marks a conflict as resolved.
func (e *Engine) ResolveConflict(ctx context.Context, id string) error {
	return e.store.ResolveConflict(ctx, id, e.clock())
}

// IsLockConflict reports whether err is a lock conflict and returns its
// details when it came from Acquire.
func IsLockConflict(err error) (*lock.ConflictError, bool) {
	var ce *lock.ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, errors.Is(err, lock.ErrConflict)
}
