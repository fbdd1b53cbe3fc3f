// Package idempotency implements the Claim protocol: on top of the
// cache package's distributed lock, it guarantees at most one worker
// executes a given (jobKind, entityId) at a time across an N-instance
// fleet, and that jobs completed within a dedup window are skipped.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aireview/engine/internal/cache"
	"github.com/aireview/engine/internal/domain"
)

// Config holds the claim protocol's tunables. Zero values are replaced
// with the documented defaults by NewService.
type Config struct {
	LockTTL          time.Duration // locks.ttlSeconds, default 30s
	HeartbeatInterval time.Duration // locks.heartbeatIntervalSeconds, default 5s
	LivenessWindow   time.Duration // locks.livenessWindowSeconds, default 15s
	DedupWindow      time.Duration // locks.dedupWindowSeconds, default 300s
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 15 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 300 * time.Second
	}
	return c
}

// Service is the Claim idempotency primitive, built on a cache.Cache.
type Service struct {
	cache       *cache.Cache
	instanceID  string
	defaultConf Config

	now func() time.Time
}

// NewService builds a Service. instanceID identifies this worker process
// as the OwnerInstance of claims it holds.
func NewService(c *cache.Cache, instanceID string, conf Config) *Service {
	return &Service{
		cache:       c,
		instanceID:  instanceID,
		defaultConf: conf.withDefaults(),
		now:         time.Now,
	}
}

func lockKey(kind, entity string) string      { return fmt.Sprintf("lock:%s:%s", kind, entity) }
func executionKey(kind, entity string) string { return fmt.Sprintf("execution:%s:%s", kind, entity) }
func recentKey(kind, entity string) string    { return fmt.Sprintf("recent:%s:%s", kind, entity) }

// SkipReason explains why Claim declined to hand out an ExecutionHandle.
type SkipReason string

const (
	SkipRecentlyCompleted SkipReason = "RecentlyCompleted"
	SkipAlreadyRunning    SkipReason = "AlreadyRunning"
	SkipLockContested     SkipReason = "LockContested"
)

// ErrSkip wraps a SkipReason; Claim returns it instead of a handle when
// the job should not run right now. Skips are not failures: callers log
// at info and ack the queue message.
type ErrSkip struct {
	Reason SkipReason
}

func (e *ErrSkip) Error() string { return fmt.Sprintf("idempotency: skip: %s", e.Reason) }

// Kind maps a SkipReason onto the pipeline-wide error taxonomy.
func (r SkipReason) Kind() domain.ErrorKind {
	switch r {
	case SkipRecentlyCompleted:
		return domain.ErrKindRecentlyCompleted
	case SkipAlreadyRunning:
		return domain.ErrKindAlreadyRunning
	default:
		return domain.ErrKindLockContested
	}
}

// ExecutionHandle is returned by a successful Claim. Exactly one of
// Complete/Fail must be called, or Dispose if neither applies.
type ExecutionHandle struct {
	svc        *Service
	jobKind    string
	entityID   string
	executionID string
	lock       *cache.LockHandle
	conf       Config

	mu       sync.Mutex
	progress int
	phase    string
	done     bool

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// ReportProgress updates the execution hash's progress/phase fields and
// is picked up by the next heartbeat tick.
func (h *ExecutionHandle) ReportProgress(ctx context.Context, percent int, phase string) error {
	h.mu.Lock()
	h.progress = percent
	h.phase = phase
	h.mu.Unlock()

	return h.svc.cache.HashSetAll(ctx, executionKey(h.jobKind, h.entityID), map[string]string{
		"progress": fmt.Sprintf("%d", percent),
		"phase":    phase,
		"heartbeatAt": fmt.Sprintf("%d", h.svc.now().Unix()),
	})
}

// Complete marks the job finished, writes the dedup marker, and
// releases the lock.
func (h *ExecutionHandle) Complete(ctx context.Context) error {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return nil
	}
	h.done = true
	h.mu.Unlock()
	h.stop()

	if err := h.svc.cache.HashSetAll(ctx, executionKey(h.jobKind, h.entityID), map[string]string{
		"status":   string(domain.JobStatusCompleted),
		"progress": "100",
	}); err != nil {
		return err
	}
	if err := h.svc.cache.Set(ctx, recentKey(h.jobKind, h.entityID), h.executionID, h.conf.DedupWindow); err != nil {
		return err
	}
	return h.svc.cache.ReleaseLock(ctx, h.lock)
}

// CompletePartial marks the job finished with some but not all of its
// work done (a composite job's PartialSuccess). Like Complete, it writes
// the dedup marker and releases the lock: a partial result is final, not
// retried automatically.
func (h *ExecutionHandle) CompletePartial(ctx context.Context) error {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return nil
	}
	h.done = true
	h.mu.Unlock()
	h.stop()

	if err := h.svc.cache.HashSetAll(ctx, executionKey(h.jobKind, h.entityID), map[string]string{
		"status":   string(domain.JobStatusPartialSuccess),
		"progress": "100",
	}); err != nil {
		return err
	}
	if err := h.svc.cache.Set(ctx, recentKey(h.jobKind, h.entityID), h.executionID, h.conf.DedupWindow); err != nil {
		return err
	}
	return h.svc.cache.ReleaseLock(ctx, h.lock)
}

// Fail marks the job failed without writing a dedup marker, so a retry
// can run immediately.
func (h *ExecutionHandle) Fail(ctx context.Context, kind domain.ErrorKind, message string) error {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return nil
	}
	h.done = true
	h.mu.Unlock()
	h.stop()

	if err := h.svc.cache.HashSetAll(ctx, executionKey(h.jobKind, h.entityID), map[string]string{
		"status": string(domain.JobStatusFailed),
		"error":  fmt.Sprintf("%s: %s", kind, message),
	}); err != nil {
		return err
	}
	return h.svc.cache.ReleaseLock(ctx, h.lock)
}

// Dispose treats an un-terminated handle as Fail(AbandonedByCaller).
func (h *ExecutionHandle) Dispose(ctx context.Context) error {
	h.mu.Lock()
	already := h.done
	h.mu.Unlock()
	if already {
		return nil
	}
	return h.Fail(ctx, domain.ErrKindAbandonedByCaller, "handle disposed without Complete/Fail")
}

func (h *ExecutionHandle) stop() {
	close(h.stopHeartbeat)
	<-h.heartbeatDone
}

func (h *ExecutionHandle) runHeartbeat(ctx context.Context) {
	defer close(h.heartbeatDone)
	ticker := time.NewTicker(h.conf.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopHeartbeat:
			return
		case <-ticker.C:
			ok, err := h.svc.cache.RefreshLock(ctx, h.lock, h.conf.LockTTL)
			if err != nil || !ok {
				return
			}
			_ = h.svc.cache.HashSetAll(ctx, executionKey(h.jobKind, h.entityID), map[string]string{
				"heartbeatAt": fmt.Sprintf("%d", h.svc.now().Unix()),
			})
			_ = h.svc.cache.Expire(ctx, executionKey(h.jobKind, h.entityID), h.conf.LockTTL+h.conf.HeartbeatInterval)
		}
	}
}

// isLive reports whether the execution hash at key denotes a job still
// within its liveness window.
func (s *Service) isLive(ctx context.Context, jobKind, entityID string) (bool, error) {
	fields, err := s.cache.HashGetAll(ctx, executionKey(jobKind, entityID))
	if err != nil {
		return false, err
	}
	if fields["status"] != string(domain.JobStatusRunning) {
		return false, nil
	}
	hbStr, ok := fields["heartbeatAt"]
	if !ok {
		return false, nil
	}
	var hb int64
	_, _ = fmt.Sscanf(hbStr, "%d", &hb)
	age := s.now().Unix() - hb
	return time.Duration(age)*time.Second < s.defaultConf.LivenessWindow, nil
}

// Claim attempts to acquire the right to execute jobKind for entityID.
// On success it starts a background heartbeat and returns a handle; on
// skip it returns (nil, *ErrSkip).
func (s *Service) Claim(ctx context.Context, jobKind, entityID string, conf Config) (*ExecutionHandle, error) {
	conf = mergeConf(s.defaultConf, conf)

	check := func() (*ErrSkip, error) {
		if conf.DedupWindow > 0 {
			if _, ok, err := s.cache.Get(ctx, recentKey(jobKind, entityID)); err != nil {
				return nil, err
			} else if ok {
				return &ErrSkip{Reason: SkipRecentlyCompleted}, nil
			}
		}
		if live, err := s.isLive(ctx, jobKind, entityID); err != nil {
			return nil, err
		} else if live {
			return &ErrSkip{Reason: SkipAlreadyRunning}, nil
		}
		return nil, nil
	}

	if skip, err := check(); err != nil {
		return nil, err
	} else if skip != nil {
		return nil, skip
	}

	token := s.instanceID + ":" + randomSuffix()
	lock, err := s.cache.AcquireLock(ctx, lockKey(jobKind, entityID), token, conf.LockTTL)
	if err != nil {
		return nil, &ErrSkip{Reason: SkipLockContested}
	}

	// Double-check: another worker may have completed between the first
	// check and our lock acquisition.
	if skip, err := check(); err != nil {
		_ = s.cache.ReleaseLock(ctx, lock)
		return nil, err
	} else if skip != nil {
		_ = s.cache.ReleaseLock(ctx, lock)
		return nil, skip
	}

	executionID := token
	now := s.now()
	if err := s.cache.HashSetAll(ctx, executionKey(jobKind, entityID), map[string]string{
		"executionId":   executionID,
		"jobKind":       jobKind,
		"entityId":      entityID,
		"ownerInstance": s.instanceID,
		"status":        string(domain.JobStatusRunning),
		"progress":      "0",
		"startedAt":     fmt.Sprintf("%d", now.Unix()),
		"heartbeatAt":   fmt.Sprintf("%d", now.Unix()),
	}); err != nil {
		_ = s.cache.ReleaseLock(ctx, lock)
		return nil, err
	}
	if err := s.cache.Expire(ctx, executionKey(jobKind, entityID), conf.LockTTL+conf.HeartbeatInterval); err != nil {
		_ = s.cache.ReleaseLock(ctx, lock)
		return nil, err
	}

	h := &ExecutionHandle{
		svc:           s,
		jobKind:       jobKind,
		entityID:      entityID,
		executionID:   executionID,
		lock:          lock,
		conf:          conf,
		stopHeartbeat: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	go h.runHeartbeat(context.Background())
	return h, nil
}

// WaitForCompletion polls an in-progress child claim's execution hash
// until it leaves Running, bounded by timeout. Used by the Comprehensive
// job when a child claim comes back Skip(AlreadyRunning) so it waits
// instead of aborting.
func (s *Service) WaitForCompletion(ctx context.Context, jobKind, entityID string, timeout time.Duration) error {
	deadline := s.now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		live, err := s.isLive(ctx, jobKind, entityID)
		if err != nil {
			return err
		}
		if !live {
			return nil
		}
		if s.now().After(deadline) {
			return fmt.Errorf("idempotency: timed out waiting for %s:%s", jobKind, entityID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func mergeConf(base, overlay Config) Config {
	if overlay.LockTTL <= 0 {
		overlay.LockTTL = base.LockTTL
	}
	if overlay.HeartbeatInterval <= 0 {
		overlay.HeartbeatInterval = base.HeartbeatInterval
	}
	if overlay.LivenessWindow <= 0 {
		overlay.LivenessWindow = base.LivenessWindow
	}
	if overlay.DedupWindow <= 0 {
		overlay.DedupWindow = base.DedupWindow
	}
	return overlay
}

func randomSuffix() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
