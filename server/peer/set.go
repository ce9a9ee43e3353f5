package peer

import (
	"iter"

	terrors "github.com/touka-aoi/relay-chat/core/errors"
)

// Set is the bounded slot table of live peers. Slots are stable for a peer's
// lifetime and reused after it leaves; Add always takes the lowest free slot.
type Set struct {
	slots   []*Peer
	byToken map[uint64]int
	count   int
}

func NewSet(capacity int) *Set {
	return &Set{
		slots:   make([]*Peer, capacity),
		byToken: make(map[uint64]int, capacity),
	}
}

func (s *Set) Add(p *Peer) (int, error) {
	for i, occupant := range s.slots {
		if occupant != nil {
			continue
		}
		s.slots[i] = p
		s.byToken[p.token] = i
		s.count++
		p.slot = i
		return i, nil
	}
	return noSlot, terrors.ErrCapacity
}

// Remove frees the peer's slot. It reports false when the peer is not in the set.
func (s *Set) Remove(p *Peer) bool {
	i, ok := s.byToken[p.token]
	if !ok || s.slots[i] != p {
		return false
	}
	s.slots[i] = nil
	delete(s.byToken, p.token)
	s.count--
	return true
}

func (s *Set) Lookup(token uint64) (*Peer, bool) {
	i, ok := s.byToken[token]
	if !ok {
		return nil, false
	}
	return s.slots[i], true
}

func (s *Set) Len() int {
	return s.count
}

func (s *Set) Cap() int {
	return len(s.slots)
}

func (s *Set) Full() bool {
	return s.count >= len(s.slots)
}

// All yields live peers in slot order.
func (s *Set) All() iter.Seq[*Peer] {
	return func(yield func(*Peer) bool) {
		for _, p := range s.slots {
			if p == nil {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}
