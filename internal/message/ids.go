package message

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator hands out process-unique identifiers built from a monotonic
// counter and a per-process salt.
type IDGenerator struct {
	salt    string
	counter atomic.Uint64
}

// NewIDGenerator creates a generator salted with a random uuid.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{salt: uuid.NewString()}
}

// NewIDGeneratorWithSalt is used where ids must be reproducible.
func NewIDGeneratorWithSalt(salt string) *IDGenerator {
	return &IDGenerator{salt: salt}
}

// Next returns the next identifier.
func (g *IDGenerator) Next() string {
	n := g.counter.Add(1)
	return strconv.FormatUint(n, 10) + "." + g.salt
}
