package faults

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/maidsafe/sn-node/model/safe"
	"github.com/maidsafe/sn-node/utils/unittest"
)

func TestTrackerFiresOnceAtThreshold(t *testing.T) {
	var fired []safe.XorName
	tracker := NewTracker(3, func(name safe.XorName) {
		fired = append(fired, name)
	})

	peer := unittest.NameFixture()
	tracker.Fault(peer)
	tracker.Fault(peer)
	assert.Empty(t, fired)
	assert.Equal(t, uint32(2), tracker.Count(peer))

	tracker.Fault(peer)
	assert.Equal(t, []safe.XorName{peer}, fired)

	// further faults beyond the threshold do not re-fire
	tracker.Fault(peer)
	tracker.Fault(peer)
	assert.Len(t, fired, 1)
}

func TestTrackerResetRearms(t *testing.T) {
	var fired int
	tracker := NewTracker(2, func(safe.XorName) { fired++ })

	peer := unittest.NameFixture()
	tracker.Fault(peer)
	tracker.Reset(peer)
	assert.Zero(t, tracker.Count(peer))

	tracker.Fault(peer)
	tracker.Fault(peer)
	assert.Equal(t, 1, fired)

	// a reset after firing re-arms the callback
	tracker.Reset(peer)
	tracker.Fault(peer)
	tracker.Fault(peer)
	assert.Equal(t, 2, fired)
}

func TestTrackerZeroThresholdUsesDefault(t *testing.T) {
	var fired int
	tracker := NewTracker(0, func(safe.XorName) { fired++ })

	peer := unittest.NameFixture()
	for i := 0; i < DefaultThreshold; i++ {
		tracker.Fault(peer)
	}
	assert.Equal(t, 1, fired)
}

func TestTrackerTracksPeersIndependently(t *testing.T) {
	tracker := NewTracker(3, nil)

	a, b := unittest.NameFixture(), unittest.NameFixture()
	tracker.Fault(a)
	tracker.Fault(a)
	tracker.Fault(b)

	assert.Equal(t, uint32(2), tracker.Count(a))
	assert.Equal(t, uint32(1), tracker.Count(b))

	tracker.Forget(a)
	assert.Zero(t, tracker.Count(a))
	assert.Equal(t, uint32(1), tracker.Count(b))
}
