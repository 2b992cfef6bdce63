package hooking

import (
	"sync"
)

// CountTracer counts how many times each hook position is reached.
type CountTracer struct {
	lock sync.Mutex

	posNames []string
	posCount map[string]uint64
}

// NewCountTracer creates a new CountTracer.
func NewCountTracer() *CountTracer {
	return &CountTracer{
		posCount: make(map[string]uint64),
	}
}

// Func counts the hook position of the context.
func (t *CountTracer) Func(ctx HookCtx) {
	if ctx.Pos == nil {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	_, ok := t.posCount[ctx.Pos.Name]
	if !ok {
		t.posNames = append(t.posNames, ctx.Pos.Name)
	}

	t.posCount[ctx.Pos.Name]++
}

// Names returns the position names seen, in first-seen order.
func (t *CountTracer) Names() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	return append([]string(nil), t.posNames...)
}

// Count returns the number of times a position has been reached.
func (t *CountTracer) Count(posName string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.posCount[posName]
}
