package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/xid"

	"pkt.systems/lotteryd/internal/storage"
)

// ledgerLock is a held lock marker. file stays open for the lifetime of the
// lock and carries the advisory lock that tells other processes the owner is
// alive.
type ledgerLock struct {
	file  *os.File
	token string
}

// acquire takes the in-process writer slot and then the on-disk marker,
// retrying contention with a constant backoff until ctx ends.
func (s *Store) acquire(ctx context.Context) (*ledgerLock, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("disk: acquire ledger lock: %w", ctx.Err())
	}
	logger := s.loggers(ctx)
	attempts := 0
	lock, err := backoff.Retry(ctx, func() (*ledgerLock, error) {
		attempts++
		return s.tryLock(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.retryInterval)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		<-s.sem
		return nil, fmt.Errorf("disk: acquire ledger lock: %w", err)
	}
	if attempts > 1 {
		logger.Debug("disk.lock.contended", "attempts", attempts)
	}
	return lock, nil
}

// tryLock makes one attempt at publishing the lock marker. The candidate is
// locked and filled before it is linked into place, so the marker never
// exists without a live owner holding it.
func (s *Store) tryLock(ctx context.Context) (*ledgerLock, error) {
	tmp, err := os.CreateTemp(s.root, lockTempPattern)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create lock candidate: %w", err))
	}
	discard := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if err := holdFileLock(tmp); err != nil {
		discard()
		return nil, backoff.Permanent(fmt.Errorf("lock candidate: %w", err))
	}
	token := xid.New().String()
	if _, err := tmp.WriteString(token); err != nil {
		discard()
		return nil, backoff.Permanent(fmt.Errorf("write lock candidate: %w", err))
	}
	if err := os.Link(tmp.Name(), s.lockPath); err != nil {
		discard()
		if errors.Is(err, fs.ErrExist) {
			s.breakStaleLock(ctx)
			return nil, storage.ErrContention
		}
		return nil, backoff.Permanent(fmt.Errorf("publish lock marker: %w", err))
	}
	_ = os.Remove(tmp.Name())
	return &ledgerLock{file: tmp, token: token}, nil
}

// breakStaleLock removes the marker when its owner no longer holds the
// advisory lock, which happens when the owning process died mid-append.
func (s *Store) breakStaleLock(ctx context.Context) {
	f, err := os.Open(s.lockPath)
	if err != nil {
		return
	}
	defer f.Close()
	stale, err := probeStaleLock(f)
	if err != nil || !stale {
		return
	}
	held, err := f.Stat()
	if err != nil {
		return
	}
	current, err := os.Stat(s.lockPath)
	if err != nil || !os.SameFile(held, current) {
		return
	}
	owner, _ := io.ReadAll(f)
	if err := os.Remove(s.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.loggers(ctx).Warn("disk.lock.stale_remove_error", "owner", string(owner), "error", err)
		return
	}
	s.loggers(ctx).Warn("disk.lock.stale_broken", "owner", string(owner))
}

// release removes the marker if it still carries our token and drops the
// in-process slot.
func (s *Store) release(lock *ledgerLock) error {
	defer func() { <-s.sem }()
	defer lock.file.Close()
	current, err := os.ReadFile(s.lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("disk: lock marker vanished while held by %s", lock.token)
		}
		return fmt.Errorf("disk: read lock marker: %w", err)
	}
	if string(current) != lock.token {
		return fmt.Errorf("disk: lock marker owned by %q, expected %q", current, lock.token)
	}
	if err := os.Remove(s.lockPath); err != nil {
		return fmt.Errorf("disk: remove lock marker: %w", err)
	}
	return nil
}
