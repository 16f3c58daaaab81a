package studio

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var errWriteConflict = errors.New("member changed by a concurrent ingest")

// MemoryStore is an in-process Store for STORE_DRIVER=memory and for tests.
// Writes are staged per unit of work and merged under one lock on commit.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[int64]Session
	participants map[int64]Participant
	versions     map[int64]uint64
	locks        *keyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     map[int64]Session{},
		participants: map[int64]Participant{},
		versions:     map[int64]uint64{},
		locks:        newKeyedMutex(),
	}
}

func (s *MemoryStore) GetSession(ctx context.Context, id int64) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("studio %d: %w", id, ErrNotFound)
	}
	session.ParticipantIDs = slices.Clone(session.ParticipantIDs)
	return session, nil
}

func (s *MemoryStore) GetParticipants(ctx context.Context, ids []int64) (map[int64]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]Participant, len(ids))
	for _, id := range ids {
		if p, ok := s.participants[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *MemoryStore) Atomic(ctx context.Context, studioID int64, fn func(ctx context.Context, tx Tx) error) error {
	unlock := s.locks.Lock(studioID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		store:        s,
		participants: map[int64]Participant{},
		read:         map[int64]uint64{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Another studio may have folded the same member since this unit read it.
	for id, version := range tx.read {
		if _, staged := tx.participants[id]; staged && s.versions[id] != version {
			return fmt.Errorf("member %d: %w", id, errWriteConflict)
		}
	}
	if tx.session != nil {
		if _, ok := s.sessions[tx.session.ID]; ok {
			return fmt.Errorf("studio %d: %w", tx.session.ID, ErrAlreadyExists)
		}
		s.sessions[tx.session.ID] = *tx.session
	}
	for id, p := range tx.participants {
		s.participants[id] = p
		s.versions[id]++
	}
	return nil
}

type memoryTx struct {
	store        *MemoryStore
	session      *Session
	participants map[int64]Participant
	read         map[int64]uint64
}

func (t *memoryTx) GetSession(ctx context.Context, id int64) (Session, error) {
	if t.session != nil && t.session.ID == id {
		session := *t.session
		session.ParticipantIDs = slices.Clone(session.ParticipantIDs)
		return session, nil
	}
	return t.store.GetSession(ctx, id)
}

func (t *memoryTx) GetParticipants(ctx context.Context, ids []int64) (map[int64]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	out := make(map[int64]Participant, len(ids))
	for _, id := range ids {
		if p, ok := t.participants[id]; ok {
			out[id] = p
			continue
		}
		if p, ok := t.store.participants[id]; ok {
			out[id] = p
			t.read[id] = t.store.versions[id]
		}
	}
	return out, nil
}

func (t *memoryTx) CreateSession(ctx context.Context, session Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.session != nil {
		return fmt.Errorf("studio %d: %w", t.session.ID, ErrAlreadyExists)
	}
	t.store.mu.RLock()
	_, exists := t.store.sessions[session.ID]
	t.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("studio %d: %w", session.ID, ErrAlreadyExists)
	}
	session.ParticipantIDs = slices.Clone(session.ParticipantIDs)
	t.session = &session
	return nil
}

func (t *memoryTx) UpsertParticipants(ctx context.Context, participants map[int64]Participant, mode UpsertMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mode == UpsertUpdate {
		t.store.mu.RLock()
		for id := range participants {
			_, staged := t.participants[id]
			_, stored := t.store.participants[id]
			if !staged && !stored {
				t.store.mu.RUnlock()
				return fmt.Errorf("update member %d: %w", id, ErrNotFound)
			}
		}
		t.store.mu.RUnlock()
	}
	for id, p := range participants {
		p.ID = id
		t.participants[id] = p
	}
	return nil
}
