// Package port models the duplex channels the background core talks over:
// one privileged port for the extension UI and one public port per tab relay.
package port

import (
	"context"
	"net/url"
	"strings"
	"sync"

	xerrors "OpenWallet-Core/internal/errors"
)

// Name tells privileged and public ports apart.
type Name string

const (
	// Extension is the privileged UI port.
	Extension Name = "extension"
	// Content is a public content-script relay for one tab.
	Content Name = "content"
)

// Port is one end of a duplex message channel.
type Port interface {
	ID() string
	Name() Name
	// Origin is the page url a content port relays for. Empty on extension ports.
	Origin() string
	Send(v any) error
	Connected() bool
	// Context is cancelled once the port disconnects.
	Context() context.Context
	// OnDisconnect registers fn to run once on disconnect. If the port is
	// already gone fn runs immediately.
	OnDisconnect(fn func())
}

// ErrDisconnected is returned by Send after the port has gone away.
var ErrDisconnected = xerrors.New(xerrors.CodeState, "port disconnected")

// Sender writes one frame to the underlying transport.
type Sender func(v any) error

// Base implements the lifecycle half of Port. Transports embed it and pass
// their writer as a Sender.
type Base struct {
	id     string
	name   Name
	origin string
	send   Sender

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	callbacks []func()
	closed    bool
}

// NewBase creates a connected port.
func NewBase(parent context.Context, id string, name Name, origin string, send Sender) *Base {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Base{id: id, name: name, origin: origin, send: send, ctx: ctx, cancel: cancel}
}

func (b *Base) ID() string               { return b.id }
func (b *Base) Name() Name               { return b.name }
func (b *Base) Origin() string           { return b.origin }
func (b *Base) Context() context.Context { return b.ctx }

// Connected reports whether Disconnect has not yet run.
func (b *Base) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Send forwards v to the transport unless the port is gone.
func (b *Base) Send(v any) error {
	if !b.Connected() {
		return ErrDisconnected
	}
	if err := b.send(v); err != nil {
		return xerrors.Wrap(xerrors.CodeState, err, "send on port "+b.id)
	}
	return nil
}

// OnDisconnect registers fn.
func (b *Base) OnDisconnect(fn func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		fn()
		return
	}
	b.callbacks = append(b.callbacks, fn)
	b.mu.Unlock()
}

// Disconnect marks the port gone, cancels its context and runs the
// registered callbacks in registration order. Later calls are no-ops.
func (b *Base) Disconnect() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	callbacks := b.callbacks
	b.callbacks = nil
	b.mu.Unlock()

	b.cancel()
	for _, fn := range callbacks {
		fn()
	}
}

// OriginKey reduces a page url to the key authorization records are stored
// under: the host, without scheme, path, query or fragment.
func OriginKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Host)
}
