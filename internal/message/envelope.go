package message

import "encoding/json"

// Envelope is an inbound message read from a port.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Response is written back when a handler succeeds.
type Response struct {
	ID       string `json:"id"`
	Response any    `json:"response"`
}

// Failure is written back when routing or the handler fails.
type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Push carries one subscription update.
type Push struct {
	ID           string `json:"id"`
	Subscription any    `json:"subscription"`
}
