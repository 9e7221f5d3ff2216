package fifo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
)

func newFifo(t *testing.T, capacity int) *Fifo {
	t.Helper()
	f, err := New(Config{ID: 1, Name: "ef", Priority: PriorityEF, Access: dama.AccessDAMARBDC, CapacityPkt: capacity})
	require.NoError(t, err)
	return f
}

func TestFifoOrderAndCounters(t *testing.T) {
	f := newFifo(t, 2)
	require.NoError(t, f.Push([]byte{1}))
	require.NoError(t, f.Push([]byte{2, 2}))
	require.ErrorIs(t, f.Push([]byte{3, 3, 3}), ErrFull)

	pkt, bytes := f.NewArrivals()
	assert.Equal(t, 2, pkt)
	assert.Equal(t, 3, bytes)

	head, ok := f.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte{1}, head)
	assert.Equal(t, 1, f.Len())
	assert.Equal(t, 2, f.LenBytes())

	stats := f.Stats()
	assert.Equal(t, Stats{
		CurrentPkt:   1,
		CurrentBytes: 2,
		InPkt:        2,
		InBytes:      3,
		OutPkt:       1,
		OutBytes:     1,
		DropPkt:      1,
		DropBytes:    3,
	}, stats)

	again := f.Stats()
	assert.Equal(t, Stats{CurrentPkt: 1, CurrentBytes: 2}, again)
}

func TestFifoPushFrontIsNotANewArrival(t *testing.T) {
	f := newFifo(t, 4)
	require.NoError(t, f.Push([]byte{1, 2, 3, 4}))
	f.ResetNew(dama.AccessDAMARBDC)
	pkt, _ := f.Pop()
	require.NoError(t, f.PushFront(pkt[2:]))

	n, _ := f.NewArrivals()
	assert.Zero(t, n)
	head, ok := f.Peek()
	require.True(t, ok)
	assert.Equal(t, []byte{3, 4}, head)
}

func TestFifoResetNewOnlyForMatchingAccess(t *testing.T) {
	f := newFifo(t, 4)
	require.NoError(t, f.Push([]byte{1}))
	f.ResetNew(dama.AccessDAMAVBDC)
	n, _ := f.NewArrivals()
	assert.Equal(t, 1, n)
	f.ResetNew(dama.AccessDAMARBDC)
	n, _ = f.NewArrivals()
	assert.Zero(t, n)
}

func TestFifoFlush(t *testing.T) {
	f := newFifo(t, 4)
	require.NoError(t, f.Push([]byte{1}))
	f.Flush()
	assert.Zero(t, f.Len())
	_, ok := f.Pop()
	assert.False(t, ok)
	assert.Equal(t, Stats{}, f.Stats())
}

func TestFifoConcurrentProducerConsumer(t *testing.T) {
	f := newFifo(t, 1000)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = f.Push([]byte{byte(i)})
		}
	}()
	popped := 0
	go func() {
		defer wg.Done()
		for popped < 500 {
			if _, ok := f.Pop(); ok {
				popped++
			}
		}
	}()
	wg.Wait()
	assert.Zero(t, f.Len())
}

func TestSortByPriorityIsStable(t *testing.T) {
	mk := func(id, prio uint8) *Fifo {
		f, err := New(Config{ID: id, Priority: prio, CapacityPkt: 1})
		require.NoError(t, err)
		return f
	}
	fifos := []*Fifo{mk(0, PriorityBE), mk(1, PriorityEF), mk(2, PriorityNM), mk(3, PriorityEF)}
	SortByPriority(fifos)
	var ids []uint8
	for _, f := range fifos {
		ids = append(ids, f.ID())
	}
	assert.Equal(t, []uint8{2, 1, 3, 0}, ids)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("sig")
	require.NoError(t, err)
	assert.Equal(t, PrioritySIG, p)
	p, err = ParsePriority("7")
	require.NoError(t, err)
	assert.Equal(t, uint8(7), p)
	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New(Config{Name: "x"})
	assert.Error(t, err)
}
