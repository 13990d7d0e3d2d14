// Package stream defines the data units flowing through a pipeline: media
// buffers, control events and the flow-level error taxonomy shared by the
// runtime, tasks and ports.
package stream

import (
	"fmt"
	"time"
)

// NoTime marks an unset timestamp on a Buffer.
const NoTime = time.Duration(-1)

// Buffer is a single media unit. The payload is opaque to the runtime;
// timestamps are relative to the enclosing segment.
type Buffer struct {
	// PTS is the presentation timestamp, or NoTime when unset
	PTS time.Duration

	// DTS is the decode timestamp, or NoTime when unset
	DTS time.Duration

	// Duration is the amount of stream time the buffer covers, or NoTime
	Duration time.Duration

	// Data is the opaque payload
	Data []byte
}

// NewBuffer creates a buffer with the given payload and presentation timestamp.
// DTS and Duration are left unset.
func NewBuffer(data []byte, pts time.Duration) *Buffer {
	return &Buffer{
		PTS:      pts,
		DTS:      NoTime,
		Duration: NoTime,
		Data:     data,
	}
}

// String returns a compact description for logging.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer{pts: %v, dts: %v, bytes: %d}", b.PTS, b.DTS, len(b.Data))
}
