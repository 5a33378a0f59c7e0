package looktab

import (
	"runtime"
	"sync/atomic"

	"github.com/llxisdsh/looktab/internal/opt"
)

// counterStripe holds one shard of the live-entry count on its own
// cache line.
type counterStripe struct {
	n atomic.Int64
	_ [opt.CacheLineSize_ - 8]byte
}

// counter is a striped live-entry counter. The stripe is picked from
// the bucket index of the operation, so mutations on different buckets
// rarely contend on the same cache line. The sum is exact only when
// the table is quiescent; under concurrent mutation it is eventually
// consistent.
type counter struct {
	stripes []counterStripe
	mask    uint64
}

// maxCounterStripes caps the stripe slice; past a few dozen stripes the
// summation cost outweighs the contention win.
const maxCounterStripes = 128

func newCounter() counter {
	n := nextPowOf2(runtime.NumCPU() * 4)
	if n > maxCounterStripes {
		n = maxCounterStripes
	}
	return counter{
		stripes: make([]counterStripe, n),
		mask:    n - 1,
	}
}

func (c *counter) add(bucket uint64, delta int64) {
	c.stripes[bucket&c.mask].n.Add(delta)
}

func (c *counter) sum() int64 {
	var v int64
	for i := range c.stripes {
		v += c.stripes[i].n.Load()
	}
	return v
}
