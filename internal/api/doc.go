// Package api exposes the wallet core over HTTP: websocket ports for the
// extension UI and for content-script relays, plus health and metrics
// endpoints.
package api
