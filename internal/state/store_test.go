package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCreatesZeroState(t *testing.T) {
	s := NewStore(4)
	assert.Equal(t, 0, s.Len())

	st := s.Get("BTCUSDT")
	assert.Equal(t, AlertState{}, st)
	assert.False(t, st.HasAlerted())
	assert.Equal(t, 1, s.Len())
}

func TestPutThenGet(t *testing.T) {
	s := NewStore(0)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Put("ETHUSDT", AlertState{LastAlertAt: now, ConsecutiveAlerts: 2})

	st := s.Get("ETHUSDT")
	assert.Equal(t, 2, st.ConsecutiveAlerts)
	assert.True(t, st.HasAlerted())
	assert.Equal(t, AlertState{}, s.Get("SOLUSDT"))
}

func TestUpdateIsAtomicPerKey(t *testing.T) {
	s := NewStore(8)
	const (
		keys    = 16
		writers = 8
		rounds  = 500
	)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				for k := 0; k < keys; k++ {
					s.Update(fmt.Sprintf("SYM%d", k), func(st AlertState) AlertState {
						st.ConsecutiveAlerts++
						return st
					})
				}
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	require.Len(t, snap, keys)
	for k, st := range snap {
		assert.Equal(t, writers*rounds, st.ConsecutiveAlerts, k)
	}
}
