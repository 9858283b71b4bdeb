// Package downlink schedules outbound transmissions: a bounded priority
// queue drained one item per tick, and a transmitter that frames payloads
// and paces chunked transfers.
package downlink

import "fmt"

// Kind classifies what an item carries. Control replies and beacons share
// priority 0 and always pre-empt data kinds.
type Kind uint8

const (
	KindControl Kind = iota
	KindBeacon
	KindTelemetryReply
	KindImage
	KindThumbnail
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindBeacon:
		return "beacon"
	case KindTelemetryReply:
		return "telemetry_reply"
	case KindImage:
		return "image"
	case KindThumbnail:
		return "thumbnail"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DefaultPriority is the scheduling priority for the kind; lower is more
// urgent. Files sit at the floor and may be pushed further down by callers.
func (k Kind) DefaultPriority() int {
	switch k {
	case KindControl, KindBeacon:
		return 0
	case KindTelemetryReply:
		return 1
	case KindImage:
		return 2
	case KindThumbnail:
		return 3
	default:
		return 4
	}
}

// Item is one scheduled transmission. Exactly one of Payload (wire-ready
// frame bytes, written in a single burst) or Path (a file split into paced
// chunks) is set. Cursor is the next chunk index, retained across a failed
// attempt so a retry resumes instead of restarting.
type Item struct {
	Kind     Kind
	Priority int
	Name     string
	Payload  []byte
	Path     string
	Cursor   int
	Attempts int

	arrival uint64
}

// NewPayloadItem wraps pre-framed bytes at the kind's default priority.
func NewPayloadItem(kind Kind, name string, payload []byte) *Item {
	return &Item{Kind: kind, Priority: kind.DefaultPriority(), Name: name, Payload: payload}
}

// NewFileItem schedules a file-backed payload at the kind's default priority.
func NewFileItem(kind Kind, path string) *Item {
	return &Item{Kind: kind, Priority: kind.DefaultPriority(), Name: path, Path: path}
}
