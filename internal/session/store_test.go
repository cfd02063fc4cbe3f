package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/expdesk/streamcore/internal/classify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	s := NewStore()
	require.NotNil(t, s)
	assert.Empty(t, s.Snapshots())
	assert.Equal(t, 0, s.ActiveCount())
}

func TestBeginReturnsExisting(t *testing.T) {
	s := NewStore()
	a := s.Begin("s1")
	b := s.Begin("s1")
	assert.Same(t, a, b)
}

func TestBeginReplacesClosed(t *testing.T) {
	s := NewStore()
	a := s.Begin("s1")
	a.Close()

	b := s.Begin("s1")
	assert.NotSame(t, a, b)
	assert.Equal(t, Idle, b.Stage())
}

func TestGetMissing(t *testing.T) {
	s := NewStore()
	m, ok := s.Get("nope")
	assert.False(t, ok)
	assert.Nil(t, m)
}

func TestStoreResolve(t *testing.T) {
	s := NewStore()
	m := s.Begin("s1")
	require.NoError(t, m.Observe(classify.Classify("ok?", classify.Context{ResponseType: classify.ResponseApproval})))

	_, err := s.Resolve("s1", Decision{Approved: true})
	require.NoError(t, err)
	assert.Equal(t, Active, m.Stage())

	_, err = s.Resolve("missing", Decision{})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestDiscardClosesMachine(t *testing.T) {
	s := NewStore()
	m := s.Begin("s1")
	s.Discard("s1")

	assert.Equal(t, Closed, m.Stage())
	_, ok := s.Get("s1")
	assert.False(t, ok)

	s.Discard("s1")
}

func TestSnapshotsSortedAndActiveCount(t *testing.T) {
	s := NewStore()
	s.Begin("c")
	s.Begin("a")
	s.Begin("b").Close()

	snaps := s.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "a", snaps[0].ID)
	assert.Equal(t, "b", snaps[1].ID)
	assert.Equal(t, "c", snaps[2].ID)
	assert.Equal(t, 2, s.ActiveCount())
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i%5)
			m := s.Begin(id)
			_ = m.Observe(classify.Classify("tick", classify.Context{}))
			_ = s.Snapshots()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, s.ActiveCount())
}
