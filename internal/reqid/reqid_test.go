package reqid_test

import (
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/patchwire/mitmgate/internal/reqid"
)

func TestNextStartsAtZeroAndIncrements(t *testing.T) {
	c := qt.New(t)
	s := reqid.New()
	c.Assert(s.Next(), qt.Equals, uint64(0))
	c.Assert(s.Next(), qt.Equals, uint64(1))
	c.Assert(s.Next(), qt.Equals, uint64(2))
}

func TestNextIsUniqueUnderConcurrency(t *testing.T) {
	c := qt.New(t)
	s := reqid.New()

	const n = 1000
	seen := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			seen[i] = s.Next()
		}(i)
	}
	wg.Wait()

	set := make(map[uint64]struct{}, n)
	for _, id := range seen {
		set[id] = struct{}{}
	}
	c.Assert(len(set), qt.Equals, n)
}
