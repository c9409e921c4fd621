package port

import (
	"context"
	"sync"
)

// Pipe is an in-memory port that records every frame sent to it.
type Pipe struct {
	*Base

	mu     sync.Mutex
	frames []any
	notify chan struct{}
}

// NewPipe creates an in-memory port.
func NewPipe(id string, name Name, origin string) *Pipe {
	p := &Pipe{notify: make(chan struct{}, 1)}
	p.Base = NewBase(context.Background(), id, name, origin, p.record)
	return p
}

func (p *Pipe) record(v any) error {
	p.mu.Lock()
	p.frames = append(p.frames, v)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Frames returns a copy of the recorded frames.
func (p *Pipe) Frames() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.frames...)
}

// Wait blocks until at least n frames were recorded or ctx ends.
func (p *Pipe) Wait(ctx context.Context, n int) ([]any, bool) {
	for {
		frames := p.Frames()
		if len(frames) >= n {
			return frames, true
		}
		select {
		case <-p.notify:
		case <-ctx.Done():
			return p.Frames(), false
		}
	}
}
