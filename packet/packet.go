// Package packet defines the opaque handle the RED core moves through its
// buffer. The core never interprets payload, only size.
package packet

import "fmt"

// Packet is the narrow contract the queue depends on. Any payload type
// that knows its own wire size satisfies it.
type Packet interface {
	SizeBytes() uint32
}

// Simple is a minimal Packet carrying only a size and an opaque ID for
// tracing.
type Simple struct {
	ID    uint64
	Bytes uint32
}

// SizeBytes returns the packet's size in bytes.
func (p Simple) SizeBytes() uint32 { return p.Bytes }

// String renders the packet for logs and traces.
func (p Simple) String() string {
	return fmt.Sprintf("Packet(id=%d, size=%dB)", p.ID, p.Bytes)
}
