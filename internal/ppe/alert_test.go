package ppe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func status(track TrackID, safe bool) TrackStatus {
	return TrackStatus{
		TrackID: track,
		Status:  PPEStatus{Helmet: true, Vest: safe, Boots: safe},
		Box:     personBox,
	}
}

func TestAlertSuppressesRepeatedViolations(t *testing.T) {
	m := NewAlertStateMachine(true)

	alerts := m.Step("s", []TrackStatus{status(1, false)})
	require.Len(t, alerts, 1)
	assert.Equal(t, TrackID(1), alerts[0].TrackID)
	assert.Equal(t, StatusViolation, alerts[0].Status)

	for i := 0; i < 20; i++ {
		assert.Nil(t, m.Step("s", []TrackStatus{status(1, false)}))
	}

	state, seen := m.State("s", 1)
	assert.True(t, seen)
	assert.Equal(t, Violating, state)
}

func TestAlertRecoveryStartsNewEpisode(t *testing.T) {
	m := NewAlertStateMachine(true)

	var total int
	frames := []bool{false, false, true, true, false, false, true, false}
	for _, safe := range frames {
		total += len(m.Step("s", []TrackStatus{status(1, safe)}))
	}
	assert.Equal(t, 3, total)
}

func TestAlertFirstSightingDisabled(t *testing.T) {
	m := NewAlertStateMachine(false)

	assert.Nil(t, m.Step("s", []TrackStatus{status(1, false)}))
	assert.Nil(t, m.Step("s", []TrackStatus{status(1, true)}))
	assert.Len(t, m.Step("s", []TrackStatus{status(1, false)}), 1)
}

func TestAlertTracksAreIndependent(t *testing.T) {
	m := NewAlertStateMachine(true)

	alerts := m.Step("s", []TrackStatus{status(1, false), status(2, true), status(3, false)})
	require.Len(t, alerts, 2)
	assert.Equal(t, TrackID(1), alerts[0].TrackID)
	assert.Equal(t, TrackID(3), alerts[1].TrackID)

	alerts = m.Step("s", []TrackStatus{status(1, false), status(2, false)})
	require.Len(t, alerts, 1)
	assert.Equal(t, TrackID(2), alerts[0].TrackID)
}

func TestAlertDropSession(t *testing.T) {
	m := NewAlertStateMachine(true)
	m.Step("a", []TrackStatus{status(1, false)})
	m.Step("b", []TrackStatus{status(1, false)})
	assert.Equal(t, 2, m.SessionCount())

	m.DropSession("a")
	_, seen := m.State("a", 1)
	assert.False(t, seen)

	// Same track id in a fresh session alerts again; the other session is untouched.
	assert.Len(t, m.Step("a", []TrackStatus{status(1, false)}), 1)
	assert.Nil(t, m.Step("b", []TrackStatus{status(1, false)}))
}
