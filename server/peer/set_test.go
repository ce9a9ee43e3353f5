//go:build linux

package peer

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/touka-aoi/relay-chat/core/core"
	terrors "github.com/touka-aoi/relay-chat/core/errors"
)

func testPeer(token uint64) *Peer {
	// fd は使わないので -1 で十分
	return NewPeer(&core.Socket{Fd: -1}, token, "test", 64)
}

func slotsOf(s *Set) []int {
	var slots []int
	for p := range s.All() {
		slots = append(slots, p.Slot())
	}
	return slots
}

func TestSet_AddTakesFirstFreeSlot(t *testing.T) {
	s := NewSet(3)
	a, b, c := testPeer(10), testPeer(11), testPeer(12)

	for i, p := range []*Peer{a, b, c} {
		slot, err := s.Add(p)
		require.NoError(t, err)
		assert.Equal(t, i, slot)
	}
	assert.True(t, s.Full())

	require.True(t, s.Remove(b))
	assert.Equal(t, []int{0, 2}, slotsOf(s), "removal does not compact other slots")
	assert.Equal(t, 0, a.Slot())
	assert.Equal(t, 2, c.Slot())

	d := testPeer(13)
	slot, err := s.Add(d)
	require.NoError(t, err)
	assert.Equal(t, 1, slot, "freed slot is reused")
	assert.Equal(t, 3, s.Len())
}

func TestSet_Capacity(t *testing.T) {
	s := NewSet(1)
	_, err := s.Add(testPeer(1))
	require.NoError(t, err)

	overflow := testPeer(2)
	_, err = s.Add(overflow)
	assert.ErrorIs(t, err, terrors.ErrCapacity)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.Cap())
	_, ok := s.Lookup(overflow.Token())
	assert.False(t, ok)
}

func TestSet_LookupAndStaleTokens(t *testing.T) {
	s := NewSet(2)
	first := testPeer(100)
	_, err := s.Add(first)
	require.NoError(t, err)

	got, ok := s.Lookup(100)
	require.True(t, ok)
	assert.Same(t, first, got)

	require.True(t, s.Remove(first))
	assert.False(t, s.Remove(first), "double removal is a no-op")

	second := testPeer(101)
	_, err = s.Add(second)
	require.NoError(t, err)
	assert.Equal(t, first.Slot(), second.Slot())

	_, ok = s.Lookup(100)
	assert.False(t, ok, "a departed peer's token never resolves to the slot's new occupant")
}

func TestSet_AllIsSlotOrdered(t *testing.T) {
	s := NewSet(4)
	peers := []*Peer{testPeer(1), testPeer(2), testPeer(3), testPeer(4)}
	for _, p := range peers {
		_, err := s.Add(p)
		require.NoError(t, err)
	}
	require.True(t, s.Remove(peers[0]))
	_, err := s.Add(testPeer(5))
	require.NoError(t, err)

	var tokens []uint64
	for p := range s.All() {
		tokens = append(tokens, p.Token())
	}
	assert.Equal(t, []uint64{5, 2, 3, 4}, tokens)
	assert.True(t, slices.IsSorted(slotsOf(s)))
}

func TestPeer_CloseOnce(t *testing.T) {
	p := testPeer(1)
	p.SetStatus(StateClosed)
	closed, err := p.Close()
	assert.False(t, closed)
	assert.NoError(t, err)
	assert.Equal(t, "closed", p.Status().String())
}

func TestPeer_IdleFor(t *testing.T) {
	p := testPeer(1)
	start := time.Unix(1_700_000_000, 0)
	p.Touch(start)
	assert.Equal(t, 1500*time.Millisecond, p.IdleFor(start.Add(1500*time.Millisecond)))

	p.Touch(start.Add(time.Second))
	assert.Equal(t, 500*time.Millisecond, p.IdleFor(start.Add(1500*time.Millisecond)))
}

func TestRingWriter_Bounded(t *testing.T) {
	w := NewRingWriter(8)
	_, err := w.Write([]byte("12345"))
	require.NoError(t, err)

	_, err = w.Write([]byte("6789"))
	assert.ErrorIs(t, err, terrors.ErrWouldBlock)

	w.Advance(3)
	_, err = w.Write([]byte("6789"))
	require.NoError(t, err)

	a, b := w.Pending()
	assert.Equal(t, "456789", string(a)+string(b))
	assert.Equal(t, 6, w.Length())
}
