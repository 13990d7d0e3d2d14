package stream

import (
	"fmt"
	"time"
)

// EventType identifies the kind of control signal carried by an Event.
type EventType int

const (
	// EventStreamStart opens a stream and carries its id. It must precede
	// any buffer.
	EventStreamStart EventType = iota

	// EventFormat announces the negotiated format for following buffers.
	EventFormat

	// EventSegment announces the timestamp base for following buffers.
	EventSegment

	// EventEOS signals the end of the stream. No buffer follows it.
	EventEOS

	// EventFlushStart asks downstream to discard data and fail fast.
	EventFlushStart

	// EventFlushStop ends a flush and re-arms the stream for new data.
	EventFlushStop
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventStreamStart:
		return "stream-start"
	case EventFormat:
		return "format"
	case EventSegment:
		return "segment"
	case EventEOS:
		return "eos"
	case EventFlushStart:
		return "flush-start"
	case EventFlushStop:
		return "flush-stop"
	}
	return "unknown"
}

// Format describes the negotiated shape of the buffers on a stream. It is the
// sharing key for downstream interpretation; the runtime itself never looks
// inside.
type Format struct {
	MediaType string
	Attrs     map[string]string
}

// Segment carries the timestamp base for the buffers that follow it.
type Segment struct {
	Start time.Duration
}

// Event is an out-of-band control signal travelling alongside buffers.
// Only the field matching Type is populated.
type Event struct {
	Type     EventType
	StreamID string
	Format   *Format
	Segment  *Segment
}

// NewStreamStartEvent creates a stream-start event with the given stream id.
func NewStreamStartEvent(streamID string) *Event {
	return &Event{Type: EventStreamStart, StreamID: streamID}
}

// NewFormatEvent creates a format event.
func NewFormatEvent(format *Format) *Event {
	return &Event{Type: EventFormat, Format: format}
}

// NewSegmentEvent creates a segment event starting at the given position.
func NewSegmentEvent(start time.Duration) *Event {
	return &Event{Type: EventSegment, Segment: &Segment{Start: start}}
}

// NewEOSEvent creates an end-of-stream event.
func NewEOSEvent() *Event {
	return &Event{Type: EventEOS}
}

// NewFlushStartEvent creates a flush-start event.
func NewFlushStartEvent() *Event {
	return &Event{Type: EventFlushStart}
}

// NewFlushStopEvent creates a flush-stop event.
func NewFlushStopEvent() *Event {
	return &Event{Type: EventFlushStop}
}

// Serialized reports whether the event travels in order with the data flow.
// Flush events do not: they must overtake queued buffers to take effect while
// a delivery is still in progress.
func (e *Event) Serialized() bool {
	switch e.Type {
	case EventFlushStart, EventFlushStop:
		return false
	}
	return true
}

// String returns a compact description for logging.
func (e *Event) String() string {
	switch e.Type {
	case EventStreamStart:
		return fmt.Sprintf("Event{%s, id: %s}", e.Type, e.StreamID)
	case EventFormat:
		if e.Format != nil {
			return fmt.Sprintf("Event{%s, media: %s}", e.Type, e.Format.MediaType)
		}
	case EventSegment:
		if e.Segment != nil {
			return fmt.Sprintf("Event{%s, start: %v}", e.Type, e.Segment.Start)
		}
	}
	return fmt.Sprintf("Event{%s}", e.Type)
}
