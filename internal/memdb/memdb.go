// internal/memdb/memdb.go

// Package memdb holds the in-memory storage backend: typed tables whose
// writes are staged in a unit of work and applied all at once on commit.
//
// Writers take per-key locks (two-phase: acquired on first touch, released
// after commit), so units touching different rows run in parallel while
// units touching the same row serialize. Readers outside a unit only ever
// see committed state.
package memdb

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"kitabu/internal/apperr"
)

// ErrNoTx is returned when a write is attempted outside RunInTx.
var ErrNoTx = errors.New("memdb: write outside a transaction")

// DB owns the committed state of every table created from it.
type DB struct {
	mu          sync.RWMutex
	locks       *lockTable
	lockTimeout time.Duration
}

// Option configures a DB.
type Option func(*DB)

// WithLockTimeout bounds how long a unit waits for a row lock before
// giving up with apperr.ErrStorageConflict.
func WithLockTimeout(d time.Duration) Option {
	return func(db *DB) { db.lockTimeout = d }
}

// New creates an empty database.
func New(opts ...Option) *DB {
	db := &DB{
		locks:       newLockTable(),
		lockTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

type txKey struct{}

// Tx is a unit of work in progress.
type Tx struct {
	db      *DB
	held    map[string]bool
	writes  map[string]map[string]any
	added   map[string][]string
	applies []func()
}

func fromContext(ctx context.Context) *Tx {
	tx, _ := ctx.Value(txKey{}).(*Tx)
	return tx
}

// InTx reports whether ctx carries a unit of work.
func InTx(ctx context.Context) bool {
	return fromContext(ctx) != nil
}

// RunInTx runs fn as one unit of work. When ctx already carries a unit, fn
// joins it. Writes made by fn become visible to other readers atomically
// when fn returns nil; on error nothing is applied.
func (db *DB) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fromContext(ctx) != nil {
		return fn(ctx)
	}

	tx := &Tx{
		db:     db,
		held:   make(map[string]bool),
		writes: make(map[string]map[string]any),
		added:  make(map[string][]string),
	}
	defer tx.release()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	// a unit whose caller has already given up must leave no trace
	if err := ctx.Err(); err != nil {
		return err
	}

	db.mu.Lock()
	for _, apply := range tx.applies {
		apply()
	}
	db.mu.Unlock()
	return nil
}

// Lock acquires the named keys for the unit carried by ctx, in sorted order.
func (db *DB) Lock(ctx context.Context, keys ...string) error {
	tx := fromContext(ctx)
	if tx == nil {
		return ErrNoTx
	}
	return tx.lock(ctx, keys...)
}

func (tx *Tx) lock(ctx context.Context, keys ...string) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, key := range sorted {
		if tx.held[key] {
			continue
		}
		if err := tx.db.locks.acquire(ctx, key, tx.db.lockTimeout); err != nil {
			return err
		}
		tx.held[key] = true
	}
	return nil
}

func (tx *Tx) release() {
	for key := range tx.held {
		tx.db.locks.release(key)
	}
	tx.held = nil
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

func (lt *lockTable) ref(key string) *keyLock {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	kl, ok := lt.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		lt.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (lt *lockTable) unref(key string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	kl := lt.locks[key]
	kl.refs--
	if kl.refs == 0 {
		delete(lt.locks, key)
	}
}

func (lt *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	kl := lt.ref(key)

	select {
	case kl.ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		lt.unref(key)
		return ctx.Err()
	case <-timer.C:
		lt.unref(key)
		return apperr.Conflict(errors.New("timed out waiting for lock on " + key))
	}
}

func (lt *lockTable) release(key string) {
	lt.mu.Lock()
	kl := lt.locks[key]
	lt.mu.Unlock()
	<-kl.ch
	lt.unref(key)
}
