package tlb

// A Builder can build software TLBs.
type Builder struct {
	numSets int
	numWays int
	clock   *Clock
}

// MakeBuilder returns a Builder.
func MakeBuilder() Builder {
	return Builder{
		numSets: 1,
		numWays: 32,
	}
}

// WithNumSets sets the number of sets in a TLB. Use 1 for fully associated
// TLBs.
func (b Builder) WithNumSets(n int) Builder {
	b.numSets = n
	return b
}

// WithNumWays sets the number of ways in each set.
func (b Builder) WithNumWays(n int) Builder {
	b.numWays = n
	return b
}

// WithClock sets the clock used to stamp entries. TLBs built without a clock
// get a private one.
func (b Builder) WithClock(c *Clock) Builder {
	b.clock = c
	return b
}

// Build creates a new TLB.
func (b Builder) Build(name string) *SoftwareTLB {
	if b.numSets < 1 {
		panic("a TLB needs at least one set")
	}

	if b.numWays < 1 {
		panic("a TLB needs at least one way")
	}

	t := &SoftwareTLB{
		name:    name,
		numSets: uint64(b.numSets),
		numWays: b.numWays,
		clock:   b.clock,
	}

	if t.clock == nil {
		t.clock = &Clock{}
	}

	t.reset()

	return t
}
