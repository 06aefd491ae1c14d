// internal/storage/storage.go
package storage

import "context"

// Transactor runs fn as a single atomic unit of work. Store calls made
// with the ctx handed to fn participate in that unit; either every write
// becomes visible or none does.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TransactorFunc adapts a function to Transactor.
type TransactorFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f TransactorFunc) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}
