// Package protocol implements the satellite wire format: sync-word framed
// binary packets over a raw byte stream. The decoder is resumable across
// arbitrary transport-sized reads and recovers from corruption by
// rescanning one byte at a time until the next valid sync word.
package protocol

import "time"

// SyncWord identifies a packet kind on the wire.
//
// Sync words are serialized marker byte first (0xAA, then the kind byte);
// every other multi-byte field on the wire is little-endian.
type SyncWord uint16

const (
	SyncTelemetry  SyncWord = 0xAA55
	SyncCommand    SyncWord = 0xAA56
	SyncImageChunk SyncWord = 0xAA58
	SyncFileChunk  SyncWord = 0xAA59
	SyncBeacon     SyncWord = 0xAA5A
)

// Frame sizes and payload bounds. Variable-length packets declare their
// payload size in the header; a declared size past the bound is treated as
// corruption so a flipped length byte cannot stall the decoder waiting for
// data that will never come.
const (
	TelemetryFrameLen = 67
	BeaconFrameLen    = 14

	MaxCommandParams = 1024
	MaxChunkData     = 4096

	commandHeaderLen = 7
	chunkHeaderLen   = 6
)

// SystemState is the spacecraft operating mode carried in telemetry and
// beacon frames.
type SystemState uint8

const (
	StateBoot SystemState = iota
	StateIdle
	StateNominal
	StateSafe
	StateLowPower
	StateEmergency
	StateImageCapture
	StateDataTx
	StateError
)

func (s SystemState) String() string {
	switch s {
	case StateBoot:
		return "BOOT"
	case StateIdle:
		return "IDLE"
	case StateNominal:
		return "NOMINAL"
	case StateSafe:
		return "SAFE"
	case StateLowPower:
		return "LOW_POWER"
	case StateEmergency:
		return "EMERGENCY"
	case StateImageCapture:
		return "IMAGE_CAPTURE"
	case StateDataTx:
		return "DATA_TX"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Transient reports whether the state auto-reverts to NOMINAL when the
// activity that entered it completes.
func (s SystemState) Transient() bool {
	return s == StateImageCapture || s == StateDataTx
}

// Packet is the decoded form of one wire frame. The concrete types are
// *TelemetrySample, *CommandPacket, *Chunk and *Beacon; consumers dispatch
// with a type switch.
type Packet interface {
	packet()
}

// TelemetrySample is one decoded telemetry frame in engineering units.
// Fixed-point wire fields are scaled on decode (voltage mV→V, coordinates
// 1e-7°→degrees, altitude mm→m, mission time ms→s); IEEE single-precision
// sensor fields keep their wire width. Timestamp is the receive time,
// assigned by the ingress side, not carried on the wire.
type TelemetrySample struct {
	Timestamp      time.Time   `json:"timestamp"`
	Sequence       uint16      `json:"sequence"`
	MissionTime    float64     `json:"mission_time"`
	MagX           float32     `json:"mag_x"`
	MagY           float32     `json:"mag_y"`
	MagZ           float32     `json:"mag_z"`
	CorrosionRaw   uint16      `json:"corrosion_raw"`
	RadiationCPS   uint32      `json:"radiation_cps"`
	TemperatureBME float32     `json:"temperature_bme"`
	Pressure       float32     `json:"pressure"`
	Humidity       float32     `json:"humidity"`
	TemperatureTMP float32     `json:"temperature_tmp"`
	Latitude       float64     `json:"latitude"`
	Longitude      float64     `json:"longitude"`
	Altitude       float64     `json:"altitude"`
	BatteryVoltage float64     `json:"battery_voltage"`
	BatteryCurrent float64     `json:"battery_current"`
	State          SystemState `json:"system_state"`
	ErrorFlags     uint8       `json:"error_flags"`
	Uptime         uint32      `json:"uptime"`
}

func (*TelemetrySample) packet() {}

// CommandPacket is a framed command as it appears on the wire: the id and
// params are opaque at this layer, interpreted by the command dispatcher.
type CommandPacket struct {
	ID       uint8
	Sequence uint16
	Params   []byte
}

func (*CommandPacket) packet() {}

// ChunkKind distinguishes the two chunk sync words.
type ChunkKind uint8

const (
	ChunkImage ChunkKind = iota
	ChunkFile
)

func (k ChunkKind) String() string {
	if k == ChunkFile {
		return "file"
	}
	return "image"
}

// Chunk is one fragment of a larger downlinked payload. Chunks carry no
// checksum; integrity is not covered at this layer.
type Chunk struct {
	Kind   ChunkKind
	Number uint16
	Data   []byte
}

func (*Chunk) packet() {}

// Beacon is the small fixed-format periodic status broadcast.
type Beacon struct {
	Timestamp         uint32 // unix seconds
	State             SystemState
	Uptime            uint32 // seconds
	BatteryMillivolts uint16
	Backlog           uint8 // downlink queue depth, saturating at 255
}

func (*Beacon) packet() {}
