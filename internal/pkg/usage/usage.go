package usage

import "sync"

// Counts is a point-in-time snapshot of token usage for one or more model
// calls. Input covers prompt tokens, Output covers completion tokens.
type Counts struct {
	Input  int
	Output int
}

func (c Counts) Add(other Counts) Counts {
	return Counts{Input: c.Input + other.Input, Output: c.Output + other.Output}
}

// Collector accumulates token usage under a mutex. One collector is bound to
// one worker slot so attribution never races across rows sharing a slot.
type Collector struct {
	mu     sync.Mutex
	counts Counts
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Record(counts Counts) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.counts.Input += counts.Input
	c.counts.Output += counts.Output
	c.mu.Unlock()
}

func (c *Collector) Snapshot() Counts {
	if c == nil {
		return Counts{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}

// NewPool returns n independent collectors. Callers assign work item i to
// collectors[i%n].
func NewPool(n int) []*Collector {
	if n < 1 {
		n = 1
	}
	out := make([]*Collector, n)
	for i := range out {
		out[i] = NewCollector()
	}
	return out
}

// Sum folds a pool of collectors into one total, read once at end of run.
func Sum(collectors []*Collector) Counts {
	var total Counts
	for _, c := range collectors {
		total = total.Add(c.Snapshot())
	}
	return total
}
