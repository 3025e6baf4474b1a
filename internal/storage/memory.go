package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

type memoryStore struct {
	mu       sync.RWMutex
	networks map[string]Network
	members  map[int64]string // channel -> network
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{networks: map[string]Network{}, members: map[int64]string{}}
}

func (s *memoryStore) CreateNetwork(_ context.Context, n Network, channelID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.networks[n.Name]; ok {
		return fmt.Errorf("%w: network %q exists", ErrConflict, n.Name)
	}
	if channelID != 0 {
		if cur, ok := s.members[channelID]; ok {
			return fmt.Errorf("%w: channel already in network %q", ErrConflict, cur)
		}
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	s.networks[n.Name] = n
	if channelID != 0 {
		s.members[channelID] = n.Name
	}
	return nil
}

func (s *memoryStore) GetNetwork(_ context.Context, name string) (Network, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.networks[name]
	if !ok {
		return Network{}, ErrNotFound
	}
	return n, nil
}

func (s *memoryStore) AddMember(_ context.Context, name string, channelID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.networks[name]; !ok {
		return fmt.Errorf("%w: network %q", ErrNotFound, name)
	}
	if cur, ok := s.members[channelID]; ok {
		return fmt.Errorf("%w: channel already in network %q", ErrConflict, cur)
	}
	s.members[channelID] = name
	return nil
}

func (s *memoryStore) RemoveMember(_ context.Context, channelID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[channelID]; !ok {
		return false, nil
	}
	delete(s.members, channelID)
	return true, nil
}

func (s *memoryStore) DeleteNetwork(_ context.Context, name string, ownerID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.networks[name]
	if !ok {
		return false, ErrNotFound
	}
	if n.OwnerID != ownerID {
		return false, nil
	}
	delete(s.networks, name)
	for ch, nw := range s.members {
		if nw == name {
			delete(s.members, ch)
		}
	}
	return true, nil
}

func (s *memoryStore) NetworkByChannel(_ context.Context, channelID int64) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.members[channelID]
	return name, ok, nil
}

func (s *memoryStore) Members(_ context.Context, name string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for ch, nw := range s.members {
		if nw == name {
			out = append(out, ch)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *memoryStore) PruneOrphans(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for ch, nw := range s.members {
		if _, ok := s.networks[nw]; !ok {
			delete(s.members, ch)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Close() error { return nil }
