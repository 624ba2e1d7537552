// Package memory is an in-process usage store for single-instance deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/AlexKimmel/quotagate/internal/usage"
)

type entry struct {
	mu    sync.Mutex
	rec   usage.Record
	found bool
}

type Store struct {
	entries sync.Map // user id -> *entry
	pro     sync.Map // user id -> bool
}

var _ usage.Store = (*Store)(nil)

func New() *Store {
	return &Store{}
}

func (s *Store) Close() error { return nil }

func (s *Store) Get(_ context.Context, userID string) (usage.Record, bool, error) {
	v, ok := s.entries.Load(userID)
	if !ok {
		return usage.Record{}, false, nil
	}
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, e.found, nil
}

func (s *Store) Update(ctx context.Context, userID string, fn usage.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v, _ := s.entries.LoadOrStore(userID, &entry{})
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()

	next, write, err := fn(e.rec, e.found)
	if err != nil {
		return err
	}
	if write {
		e.rec = next
		e.found = true
	}
	return nil
}

// Put stores rec as is. Used to seed state.
func (s *Store) Put(userID string, rec usage.Record) {
	v, _ := s.entries.LoadOrStore(userID, &entry{})
	e := v.(*entry)

	e.mu.Lock()
	e.rec = rec
	e.found = true
	e.mu.Unlock()
}

func (s *Store) IsPro(_ context.Context, userID string) (bool, error) {
	v, ok := s.pro.Load(userID)
	if !ok {
		return false, nil
	}
	return v.(bool), nil
}

func (s *Store) SetPro(_ context.Context, userID string, pro bool) error {
	s.pro.Store(userID, pro)
	return nil
}
