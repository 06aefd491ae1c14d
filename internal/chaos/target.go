// internal/chaos/target.go
package chaos

import (
	"context"
	"errors"
	"sync/atomic"

	"kitabu/internal/apperr"
	"kitabu/internal/catalog"
	"kitabu/internal/circulation"
	"kitabu/internal/ledger"
	"kitabu/internal/storage"
)

var errInjected = errors.New("injected storage conflict")

// FaultInjector wraps a Transactor and, while enabled, aborts every n-th
// unit of work with a storage conflict before it touches any data.
type FaultInjector struct {
	inner    storage.Transactor
	every    atomic.Int64
	calls    atomic.Int64
	injected atomic.Int64
}

func NewFaultInjector(inner storage.Transactor) *FaultInjector {
	return &FaultInjector{inner: inner}
}

// Enable starts failing every n-th unit.
func (f *FaultInjector) Enable(n int64) {
	f.calls.Store(0)
	f.every.Store(n)
}

func (f *FaultInjector) Disable() {
	f.every.Store(0)
}

// Injected is the number of units aborted so far.
func (f *FaultInjector) Injected() int64 {
	return f.injected.Load()
}

func (f *FaultInjector) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if n := f.every.Load(); n > 0 && f.calls.Add(1)%n == 0 {
		f.injected.Add(1)
		return apperr.Conflict(errInjected)
	}
	return f.inner.RunInTx(ctx, fn)
}

// Target is the engine under test together with read access to its stores,
// so experiments can check invariants directly.
type Target struct {
	Service  circulation.Service
	Books    catalog.Store
	Ledger   ledger.Ledger
	Injector *FaultInjector
}

// NewTarget routes every unit of work of the service through a fault
// injector.
func NewTarget(stores circulation.Stores, opts ...circulation.Option) *Target {
	injector := NewFaultInjector(stores.Tx)
	stores.Tx = injector
	return &Target{
		Service:  circulation.NewService(stores, opts...),
		Books:    stores.Books,
		Ledger:   stores.Ledger,
		Injector: injector,
	}
}

// StockViolations counts books whose shelf count is negative or disagrees
// with registered copies minus open loans.
func (t *Target) StockViolations(ctx context.Context) (float64, error) {
	books, err := t.Books.List(ctx)
	if err != nil {
		return 0, err
	}
	violations := 0
	for _, book := range books {
		open, err := t.Ledger.ListOpenByBook(ctx, book.ID)
		if err != nil {
			return 0, err
		}
		if book.Stock < 0 || book.Stock != book.Copies-len(open) {
			violations++
		}
	}
	return float64(violations), nil
}
