// Package modelstore holds the live ModelState for every (device, field) key.
//
// Readers never block: Get loads an immutable snapshot through an atomic
// pointer. Writers persist first and then publish a new snapshot, so a reader
// observes either the complete old state or the complete new one.
package modelstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/smartsensor/smartsensor-ai/internal/analytics/detector"
	"github.com/smartsensor/smartsensor-ai/internal/db"
	"github.com/smartsensor/smartsensor-ai/internal/models"
)

type snapshot map[models.ModelKey]*models.ModelState

// Store is the in-memory model registry backed by a ModelStateStore.
type Store struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[snapshot]
	backend db.ModelStateStore
	set     *detector.Set
	logger  *zap.Logger
}

// New returns an empty store. backend may be nil for a memory-only store.
func New(backend db.ModelStateStore, set *detector.Set, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{backend: backend, set: set, logger: logger}
	empty := snapshot{}
	s.current.Store(&empty)
	return s
}

// Get returns the current state for key, or nil when the key is untrained.
// The returned value must not be mutated.
func (s *Store) Get(key models.ModelKey) *models.ModelState {
	return (*s.current.Load())[key]
}

// Put persists state and then makes it visible. If persistence fails the
// previous state stays current.
func (s *Store) Put(ctx context.Context, state *models.ModelState) error {
	if state == nil {
		return fmt.Errorf("nil model state")
	}
	if state.Params == nil && s.set != nil {
		if err := s.set.Restore(state); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.SaveModelState(ctx, state); err != nil {
			return err
		}
	}
	s.publish(func(next snapshot) { next[state.Key()] = state })
	return nil
}

// Load replaces the in-memory registry with every persisted state. States
// whose parameters cannot be decoded are skipped and logged.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	states, err := s.backend.ListModelStates(ctx)
	if err != nil {
		return 0, err
	}

	loaded := make(snapshot, len(states))
	for _, st := range states {
		if err := s.set.Restore(st); err != nil {
			s.logger.Warn("skipping unreadable model state",
				zap.String("key", st.Key().String()), zap.Error(err))
			continue
		}
		loaded[st.Key()] = st
	}

	s.mu.Lock()
	s.current.Store(&loaded)
	s.mu.Unlock()
	return len(loaded), nil
}

// List returns every state ordered by device and field.
func (s *Store) List() []*models.ModelState {
	snap := *s.current.Load()
	out := make([]*models.ModelState, 0, len(snap))
	for _, st := range snap {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return models.FieldIndex(out[i].Field) < models.FieldIndex(out[j].Field)
	})
	return out
}

// ForDevice returns the states of one device in field order.
func (s *Store) ForDevice(deviceID string) []*models.ModelState {
	var out []*models.ModelState
	for _, st := range s.List() {
		if st.DeviceID == deviceID {
			out = append(out, st)
		}
	}
	return out
}

// Len returns the number of trained keys.
func (s *Store) Len() int { return len(*s.current.Load()) }

// publish copies the current snapshot, applies mutate and swaps. Callers
// hold s.mu.
func (s *Store) publish(mutate func(snapshot)) {
	prev := *s.current.Load()
	next := make(snapshot, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	mutate(next)
	s.current.Store(&next)
}
