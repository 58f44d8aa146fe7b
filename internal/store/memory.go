package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"dynastymap/api/internal/util"
)

var ErrClosed = errors.New("store closed")

// MemoryStore keeps records in process. It backs local development and the
// gateway and controller tests.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[Entity]map[string]Record
	order     map[Entity][]string
	watchers  map[Entity]map[int]chan struct{}
	nextWatch int
	closed    bool
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[Entity]map[string]Record),
		order:    make(map[Entity][]string),
		watchers: make(map[Entity]map[int]chan struct{}),
		now:      time.Now,
	}
}

func (s *MemoryStore) List(ctx context.Context, entity Entity) ([]Record, error) {
	if !entity.Valid() {
		return nil, invalidEntity(entity)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	items := make([]Record, 0, len(s.order[entity]))
	for _, id := range s.order[entity] {
		items = append(items, s.records[entity][id])
	}
	return items, nil
}

func (s *MemoryStore) Create(ctx context.Context, entity Entity, fields Fields) (Record, error) {
	if !entity.Valid() {
		return Record{}, invalidEntity(entity)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}

	now := s.now()
	rec := Record{ID: util.NewID(string(entity)), Fields: fields, CreatedAt: now, UpdatedAt: now}
	if s.records[entity] == nil {
		s.records[entity] = make(map[string]Record)
	}
	s.records[entity][rec.ID] = rec
	s.order[entity] = append(s.order[entity], rec.ID)
	s.notifyLocked(entity)
	return rec, nil
}

func (s *MemoryStore) Update(ctx context.Context, entity Entity, id string, fields Fields) (Record, error) {
	if !entity.Valid() {
		return Record{}, invalidEntity(entity)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}

	rec, ok := s.records[entity][id]
	if !ok {
		return Record{}, notFound(entity, id)
	}
	rec.Fields = rec.Fields.Merge(fields)
	rec.UpdatedAt = s.now()
	s.records[entity][id] = rec
	s.notifyLocked(entity)
	return rec, nil
}

func (s *MemoryStore) Observe(ctx context.Context, entity Entity, fn func(Snapshot)) error {
	if !entity.Valid() {
		return invalidEntity(entity)
	}
	notify := make(chan struct{}, 1)
	id, err := s.addWatcher(entity, notify)
	if err != nil {
		return err
	}
	defer s.removeWatcher(entity, id)

	for {
		items, err := s.List(ctx, entity)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(Snapshot{Items: items, IsSynced: true})

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-notify:
			if !ok {
				return ErrClosed
			}
		}
	}
}

func (s *MemoryStore) addWatcher(entity Entity, ch chan struct{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.nextWatch++
	if s.watchers[entity] == nil {
		s.watchers[entity] = make(map[int]chan struct{})
	}
	s.watchers[entity][s.nextWatch] = ch
	return s.nextWatch, nil
}

func (s *MemoryStore) removeWatcher(entity Entity, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[entity], id)
}

// notifyLocked wakes every observer of entity. Pending wake-ups coalesce.
func (s *MemoryStore) notifyLocked(entity Entity) {
	for _, ch := range s.watchers[entity] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for entity, watchers := range s.watchers {
		for id, ch := range watchers {
			close(ch)
			delete(watchers, id)
		}
		delete(s.watchers, entity)
	}
	return nil
}
