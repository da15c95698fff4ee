package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestQueue_FIFO(t *testing.T) {
	var q requestQueue
	assert.Nil(t, q.pop())

	for id := uint64(1); id <= 3; id++ {
		j := newJob("p", ModelSettings{}, "")
		j.ID = id
		q.push(j)
	}
	assert.Equal(t, 3, q.len())
	assert.Equal(t, []uint64{1, 2, 3}, q.ids())

	assert.Equal(t, uint64(1), q.pop().ID)
	assert.Equal(t, uint64(2), q.pop().ID)
	assert.Equal(t, []uint64{3}, q.ids())
	assert.Equal(t, uint64(3), q.pop().ID)
	assert.Nil(t, q.pop())
	assert.Equal(t, 0, q.len())
}
