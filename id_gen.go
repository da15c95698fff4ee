package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/teris-io/shortid"
)

// workerIDGen hands out short, unique worker handles.
type workerIDGen struct {
	shID     *shortid.Shortid
	fallback atomic.Uint64
}

func newWorkerIDGen() *workerIDGen {
	g := &workerIDGen{}
	shID, err := shortid.New(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
	if err != nil {
		logWarn("shortid generator unavailable, using counter ids", "error", err)
		return g
	}
	g.shID = shID
	return g
}

// ID never fails; a counter-based handle is used if shortid cannot generate.
func (g *workerIDGen) ID() string {
	if g.shID != nil {
		if id, err := g.shID.Generate(); err == nil {
			return "w-" + id
		}
	}
	return fmt.Sprintf("w-%d", g.fallback.Add(1))
}
