package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// SessionLocker is a lock shared between processes.
type SessionLocker interface {
	AcquireSessionLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	ReleaseSessionLock(ctx context.Context, sessionID, owner string) error
}

// LockConfig configures the cross-process session lock.
type LockConfig struct {
	TTL  time.Duration
	Wait time.Duration
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// sessionLock combines the in-process keyed mutex with the optional
// cross-process locker.
type sessionLock struct {
	local  *keyedMutex
	remote SessionLocker
	cfg    LockConfig
	log    *slog.Logger
}

func newSessionLock(remote SessionLocker, cfg LockConfig, log *slog.Logger) *sessionLock {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 2 * time.Second
	}
	return &sessionLock{local: newKeyedMutex(), remote: remote, cfg: cfg, log: log}
}

// acquire locks sessionID. It returns ErrSessionConflict when the
// cross-process lock is still held by another process after cfg.Wait.
func (l *sessionLock) acquire(ctx context.Context, sessionID string) (func(), error) {
	unlock := l.local.Lock(sessionID)
	if l.remote == nil {
		return unlock, nil
	}

	owner := uuid.New().String()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = l.cfg.Wait

	err := backoff.Retry(func() error {
		ok, err := l.remote.AcquireSessionLock(ctx, sessionID, owner, l.cfg.TTL)
		if err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrSessionConflict
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		unlock()
		if isTransient(err) {
			return nil, transientErr(err)
		}
		return nil, err
	}

	return func() {
		// Release even if the operation's context was cancelled.
		if err := l.remote.ReleaseSessionLock(context.WithoutCancel(ctx), sessionID, owner); err != nil {
			l.log.Warn("failed to release session lock", "session_id", sessionID, "error", err)
		}
		unlock()
	}, nil
}
