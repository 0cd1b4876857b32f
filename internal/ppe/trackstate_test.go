package ppe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackStateStoreRecordAndAverage(t *testing.T) {
	s := NewTrackStateStore(4)

	assert.Equal(t, 0.0, s.RollingAverage("cam-1", 1, Helmet))

	s.Record("cam-1", 1, Helmet, true)
	s.Record("cam-1", 1, Helmet, false)
	assert.Equal(t, 0.5, s.RollingAverage("cam-1", 1, Helmet))

	avg := s.Averages("cam-1", 1)
	assert.Len(t, avg, 1)
	assert.Equal(t, 0.5, avg[Helmet])

	assert.Equal(t, 1, s.TrackCount("cam-1"))
	assert.Equal(t, 1, s.SessionCount())
}

func TestTrackStateStoreSessionsAreIsolated(t *testing.T) {
	s := NewTrackStateStore(DefaultWindow)

	s.Record("a", 7, Vest, true)
	s.Record("b", 7, Vest, false)

	assert.Equal(t, 1.0, s.RollingAverage("a", 7, Vest))
	assert.Equal(t, 0.0, s.RollingAverage("b", 7, Vest))

	s.DropSession("a")
	assert.Equal(t, 0.0, s.RollingAverage("a", 7, Vest))
	assert.Equal(t, 0, s.TrackCount("a"))
	assert.Equal(t, 1, s.TrackCount("b"))

	// Reusing the id after teardown starts from empty evidence.
	s.Record("a", 7, Vest, false)
	assert.Equal(t, 0.0, s.RollingAverage("a", 7, Vest))
}

func TestTrackStateStoreResetTrack(t *testing.T) {
	s := NewTrackStateStore(DefaultWindow)
	s.Record("a", 1, Boots, true)
	s.Record("a", 2, Boots, true)

	s.ResetTrack("a", 1)
	assert.Empty(t, s.Averages("a", 1))
	assert.Equal(t, 1.0, s.RollingAverage("a", 2, Boots))
}

func TestTrackStateStoreInvalidClassPanics(t *testing.T) {
	s := NewTrackStateStore(DefaultWindow)
	assert.Panics(t, func() { s.Record("a", 1, Class(42), true) })
}

func TestTrackStateStoreConcurrentSessions(t *testing.T) {
	s := NewTrackStateStore(DefaultWindow)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			session := string(rune('a' + id))
			for j := 0; j < 100; j++ {
				s.Record(session, TrackID(j%3), Helmet, j%2 == 0)
				_ = s.RollingAverage(session, TrackID(j%3), Helmet)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, s.SessionCount())
	for i := 0; i < 8; i++ {
		assert.Equal(t, 3, s.TrackCount(string(rune('a'+i))))
	}
}
