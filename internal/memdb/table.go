// internal/memdb/table.go
package memdb

import "context"

// Table is a keyed collection of V values. Rows keep insertion order.
type Table[V any] struct {
	db    *DB
	name  string
	rows  map[string]V
	order []string
}

// NewTable registers a table on db. Names must be unique per DB.
func NewTable[V any](db *DB, name string) *Table[V] {
	return &Table[V]{
		db:   db,
		name: name,
		rows: make(map[string]V),
	}
}

// LockKey is the row lock name for id.
func (t *Table[V]) LockKey(id string) string {
	return t.name + "/" + id
}

// Get returns the row as seen by ctx: staged writes of the caller's own unit
// first, committed state otherwise.
func (t *Table[V]) Get(ctx context.Context, id string) (V, bool) {
	if tx := fromContext(ctx); tx != nil {
		if v, ok := tx.writes[t.name][id]; ok {
			return v.(V), true
		}
	}
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	v, ok := t.rows[id]
	return v, ok
}

// GetForUpdate locks the row for the caller's unit, then reads it.
func (t *Table[V]) GetForUpdate(ctx context.Context, id string) (V, bool, error) {
	if err := t.db.Lock(ctx, t.LockKey(id)); err != nil {
		var zero V
		return zero, false, err
	}
	v, ok := t.Get(ctx, id)
	return v, ok, nil
}

// Put stages v under id in the caller's unit, locking the row first.
func (t *Table[V]) Put(ctx context.Context, id string, v V) error {
	tx := fromContext(ctx)
	if tx == nil {
		return ErrNoTx
	}
	if err := tx.lock(ctx, t.LockKey(id)); err != nil {
		return err
	}

	staged, ok := tx.writes[t.name]
	if !ok {
		staged = make(map[string]any)
		tx.writes[t.name] = staged
	}
	if _, seen := staged[id]; !seen {
		t.db.mu.RLock()
		_, exists := t.rows[id]
		t.db.mu.RUnlock()
		if !exists {
			tx.added[t.name] = append(tx.added[t.name], id)
		}
	}
	staged[id] = v

	tx.applies = append(tx.applies, func() {
		if _, exists := t.rows[id]; !exists {
			t.order = append(t.order, id)
		}
		t.rows[id] = v
	})
	return nil
}

// Scan returns every row visible to ctx, in insertion order, that keep
// accepts. A nil keep accepts all rows.
func (t *Table[V]) Scan(ctx context.Context, keep func(V) bool) []V {
	tx := fromContext(ctx)

	t.db.mu.RLock()
	out := make([]V, 0, len(t.order))
	for _, id := range t.order {
		v := t.rows[id]
		if tx != nil {
			if staged, ok := tx.writes[t.name][id]; ok {
				v = staged.(V)
			}
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	t.db.mu.RUnlock()

	if tx != nil {
		for _, id := range tx.added[t.name] {
			v := tx.writes[t.name][id].(V)
			if keep == nil || keep(v) {
				out = append(out, v)
			}
		}
	}
	return out
}

// Len returns the number of committed rows.
func (t *Table[V]) Len() int {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()
	return len(t.order)
}
