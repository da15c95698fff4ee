package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActivityLog_KeepsNewest(t *testing.T) {
	l := newActivityLog(3)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	l.now = func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }

	assert.Empty(t, l.recent())
	for id := uint64(1); id <= 5; id++ {
		l.add(ActivityEntry{Event: "dispatched", JobID: id})
	}

	got := l.recent()
	assert.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].JobID)
	assert.Equal(t, uint64(5), got[2].JobID)
	assert.True(t, got[0].Time.Before(got[2].Time))
}

func TestActivityLog_PartialAndExplicitTime(t *testing.T) {
	l := newActivityLog(0)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.add(ActivityEntry{Event: "queued", Time: at})

	got := l.recent()
	assert.Len(t, got, 1)
	assert.Equal(t, at, got[0].Time)
	assert.Len(t, l.entries, 100)
}
