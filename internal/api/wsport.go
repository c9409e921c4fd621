package api

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"OpenWallet-Core/internal/port"
)

// wsPort is a port backed by one websocket connection. Writes are
// serialised; gorilla allows a single concurrent writer only.
type wsPort struct {
	*port.Base
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func newWSPort(parent context.Context, id string, name port.Name, origin string, conn *websocket.Conn, writeTimeout time.Duration) *wsPort {
	p := &wsPort{conn: conn, writeTimeout: writeTimeout}
	p.Base = port.NewBase(parent, id, name, origin, p.write)
	return p
}

func (p *wsPort) write(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteJSON(v)
}

// armDeadline pushes the read deadline forward on every pong. It must run
// before the read loop starts.
func (p *wsPort) armDeadline(interval time.Duration) {
	wait := interval * 2
	_ = p.conn.SetReadDeadline(time.Now().Add(wait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(wait))
	})
}

// keepAlive pings until the port disconnects.
func (p *wsPort) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.Context().Done():
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (p *wsPort) close() {
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(time.Second))
	_ = p.conn.Close()
}
