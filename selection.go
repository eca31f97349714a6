package modelcache

import (
	"context"
	"slices"
	"sync"
)

// selector holds the active key and keeps it pointing at a stored asset.
type selector struct {
	mu     sync.RWMutex
	active AssetKey

	// order is the catalog order used to pick a replacement.
	order []AssetKey

	// autoSelect fills an empty selection whenever something is stored.
	autoSelect bool

	// persist saves the selection. Nil when the backend cannot persist it.
	persist SelectionStore
}

func newSelector(order []AssetKey, autoSelect bool, persist SelectionStore) *selector {
	return &selector{order: order, autoSelect: autoSelect, persist: persist}
}

// get returns the active key, or "" when nothing is selected.
func (s *selector) get() AssetKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// set activates key. The caller has already checked that key is stored.
func (s *selector) set(ctx context.Context, key AssetKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assign(ctx, key)
}

// load restores the persisted selection without validating it.
// Validation is left to the reconcile that follows.
func (s *selector) load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	key, err := s.persist.LoadActive(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.active = key
	s.mu.Unlock()
	return nil
}

// reconcile makes the selection valid for the stored key set. A dangling
// selection is replaced by pick(stored); an empty one is filled the same way
// when autoSelect is on. It returns the previous and current active keys.
func (s *selector) reconcile(ctx context.Context, stored []AssetKey) (prev, cur AssetKey, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev = s.active
	switch {
	case prev != "" && !slices.Contains(stored, prev):
		err = s.assign(ctx, s.pick(stored))
	case prev == "" && s.autoSelect && len(stored) > 0:
		err = s.assign(ctx, s.pick(stored))
	}
	return prev, s.active, err
}

// clear empties the selection if it still points at key, whose record is
// gone. Persisting is best effort. Reports whether the selection changed.
func (s *selector) clear(ctx context.Context, key AssetKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != key {
		return false
	}
	_ = s.assign(ctx, "")
	return true
}

// pick returns the first stored key in catalog order. Stored keys missing from
// the catalog are considered after it, smallest first. Returns "" when
// nothing is stored.
func (s *selector) pick(stored []AssetKey) AssetKey {
	for _, k := range s.order {
		if slices.Contains(stored, k) {
			return k
		}
	}
	if len(stored) == 0 {
		return ""
	}
	return slices.Min(stored)
}

// assign updates the in-memory selection first, then persists it. The
// in-memory value stays authoritative if persisting fails. Callers hold mu.
func (s *selector) assign(ctx context.Context, key AssetKey) error {
	if s.active == key {
		return nil
	}
	s.active = key
	if s.persist == nil {
		return nil
	}
	return s.persist.SaveActive(ctx, key)
}
