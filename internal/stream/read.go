package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultIdleTimeout is how long Read waits for the next chunk.
const DefaultIdleTimeout = 60 * time.Second

// ErrIdleTimeout is returned when no bytes arrive within the idle timeout.
var ErrIdleTimeout = errors.New("stream: idle timeout")

// Options configures Read.
type Options struct {
	MaxBytes    int
	IdleTimeout time.Duration
	OnDelta     DeltaFunc
}

// Result is a fully assembled reply.
type Result struct {
	Text    string
	Dropped int
	Done    bool // [DONE] seen, as opposed to a bare EOF
}

type chunk struct {
	b   []byte
	err error
}

// Read drains r through an Assembler until [DONE], EOF, an error, ctx
// cancellation or the idle timeout. When Read stops early and r is an
// io.Closer, r is closed so the reading goroutine can exit.
func Read(ctx context.Context, r io.Reader, opts Options) (Result, error) {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	asm := NewAssembler(opts.MaxBytes, opts.OnDelta)

	chunks := make(chan chunk)
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			buf := make([]byte, 4096)
			n, err := r.Read(buf)
			select {
			case chunks <- chunk{b: buf[:n], err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	finished := false
	defer func() {
		close(stop)
		if c, ok := r.(io.Closer); ok && !finished {
			c.Close()
			<-readerDone
		}
	}()

	result := func() Result {
		return Result{Text: asm.Text(), Dropped: asm.Dropped(), Done: asm.Done()}
	}

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return result(), ctx.Err()

		case <-timer.C:
			return result(), fmt.Errorf("%w after %s", ErrIdleTimeout, idle)

		case c := <-chunks:
			if len(c.b) > 0 {
				if err := asm.Feed(c.b); err != nil {
					return result(), err
				}
				if asm.Done() {
					asm.Finish()
					return result(), nil
				}
			}
			if c.err != nil {
				if !errors.Is(c.err, io.EOF) {
					return result(), fmt.Errorf("stream: reading body: %w", c.err)
				}
				finished = true
				if err := asm.Finish(); err != nil {
					return result(), err
				}
				return result(), nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		}
	}
}
