package evhttpd

import (
	"errors"
	"fmt"
)

// connTask is a connection on its way through the worker pool. While it is
// queued or running the worker side owns c; the engine gets it back only
// through complete.
type connTask struct {
	e *Engine
	c *Conn
}

func (t connTask) Run() {
	outcome, err := t.e.process(t.c)
	t.e.complete(t.c, outcome, err)
}

// process runs the Processor, turning a panic or failure into ErrProcessing.
func (e *Engine) process(c *Conn) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = Close, fmt.Errorf("%w: panic: %v", ErrProcessing, r)
		}
	}()

	outcome, err = e.proc.Process(c)
	if err != nil && !errors.Is(err, ErrProcessing) {
		err = fmt.Errorf("%w: %w", ErrProcessing, err)
	}
	return outcome, err
}
