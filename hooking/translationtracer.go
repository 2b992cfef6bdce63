package hooking

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// A TranslationTracer writes one CSV line per hook invocation:
// seconds since creation, domain name, position name and the item.
type TranslationTracer struct {
	lock   sync.Mutex
	start  time.Time
	writer io.Writer
	err    error
}

// NewTranslationTracer produces a new TranslationTracer, injecting the
// dependency of a writer.
func NewTranslationTracer(w io.Writer) *TranslationTracer {
	return &TranslationTracer{
		start:  time.Now(),
		writer: w,
	}
}

// Func prints the trace information.
func (t *TranslationTracer) Func(ctx HookCtx) {
	if ctx.Pos == nil || ctx.Domain == nil {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.err != nil {
		return
	}

	_, t.err = fmt.Fprintf(t.writer,
		"%.9f,%s,%s,%v\n",
		time.Since(t.start).Seconds(),
		ctx.Domain.Name(),
		ctx.Pos.Name,
		ctx.Item)
}

// Err returns the first write error. Tracing stops after it.
func (t *TranslationTracer) Err() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.err
}
