package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrChecksum reports a telemetry frame whose trailing checksum does
	// not match the received payload. The frame is dropped whole.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrMalformed reports a frame with a valid sync word but an impossible
	// declared length. One byte is skipped and scanning resumes.
	ErrMalformed = errors.New("malformed frame")
)

// Decoder extracts packets from a byte stream fed in arbitrary pieces.
// It keeps an internal buffer across calls: a frame split over several
// reads decodes once its last byte arrives.
//
// Not safe for concurrent use; each link gets its own Decoder.
type Decoder struct {
	buf     []byte
	skipped uint64
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends raw bytes from the transport to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Skipped returns the cumulative count of bytes discarded during
// resynchronization.
func (d *Decoder) Skipped() uint64 {
	return d.skipped
}

// Next returns the next complete packet from the buffer.
//
// It returns (nil, nil) when the buffered bytes do not yet contain a whole
// frame; feed more data and call again. A non-nil error reports a dropped
// frame (ErrChecksum, ErrMalformed); the decoder has already advanced past
// it and the next call continues scanning. Bytes that match no sync word
// are discarded one at a time without an error.
func (d *Decoder) Next() (Packet, error) {
	for {
		if len(d.buf) < 2 {
			return nil, nil
		}
		switch sync := SyncWord(binary.BigEndian.Uint16(d.buf[:2])); sync {
		case SyncTelemetry:
			return d.nextTelemetry()
		case SyncCommand:
			return d.nextCommand()
		case SyncImageChunk, SyncFileChunk:
			return d.nextChunk(sync)
		case SyncBeacon:
			return d.nextBeacon()
		default:
			d.buf = d.buf[1:]
			d.skipped++
		}
	}
}

func (d *Decoder) nextTelemetry() (Packet, error) {
	if len(d.buf) < TelemetryFrameLen {
		return nil, nil
	}
	frame := d.buf[:TelemetryFrameLen]
	d.buf = d.buf[TelemetryFrameLen:]
	want := binary.LittleEndian.Uint16(frame[65:67])
	if got := Checksum(frame[:65]); got != want {
		return nil, fmt.Errorf("telemetry seq %d: %w: computed 0x%04X, frame carries 0x%04X",
			binary.LittleEndian.Uint16(frame[3:5]), ErrChecksum, got, want)
	}
	return decodeTelemetry(frame), nil
}

func (d *Decoder) nextCommand() (Packet, error) {
	if len(d.buf) < commandHeaderLen {
		return nil, nil
	}
	n := int(binary.LittleEndian.Uint16(d.buf[5:7]))
	if n > MaxCommandParams {
		d.buf = d.buf[1:]
		d.skipped++
		return nil, fmt.Errorf("%w: command params length %d, limit %d", ErrMalformed, n, MaxCommandParams)
	}
	if len(d.buf) < commandHeaderLen+n {
		return nil, nil
	}
	c := &CommandPacket{
		ID:       d.buf[2],
		Sequence: binary.LittleEndian.Uint16(d.buf[3:5]),
		Params:   append([]byte(nil), d.buf[commandHeaderLen:commandHeaderLen+n]...),
	}
	d.buf = d.buf[commandHeaderLen+n:]
	return c, nil
}

func (d *Decoder) nextChunk(sync SyncWord) (Packet, error) {
	if len(d.buf) < chunkHeaderLen {
		return nil, nil
	}
	n := int(binary.LittleEndian.Uint16(d.buf[4:6]))
	if n > MaxChunkData {
		d.buf = d.buf[1:]
		d.skipped++
		return nil, fmt.Errorf("%w: chunk data length %d, limit %d", ErrMalformed, n, MaxChunkData)
	}
	if len(d.buf) < chunkHeaderLen+n {
		return nil, nil
	}
	kind := ChunkImage
	if sync == SyncFileChunk {
		kind = ChunkFile
	}
	c := &Chunk{
		Kind:   kind,
		Number: binary.LittleEndian.Uint16(d.buf[2:4]),
		Data:   append([]byte(nil), d.buf[chunkHeaderLen:chunkHeaderLen+n]...),
	}
	d.buf = d.buf[chunkHeaderLen+n:]
	return c, nil
}

func (d *Decoder) nextBeacon() (Packet, error) {
	if len(d.buf) < BeaconFrameLen {
		return nil, nil
	}
	frame := d.buf[:BeaconFrameLen]
	d.buf = d.buf[BeaconFrameLen:]
	le := binary.LittleEndian
	return &Beacon{
		Timestamp:         le.Uint32(frame[2:6]),
		State:             SystemState(frame[6]),
		Uptime:            le.Uint32(frame[7:11]),
		BatteryMillivolts: le.Uint16(frame[11:13]),
		Backlog:           frame[13],
	}, nil
}

func decodeTelemetry(frame []byte) *TelemetrySample {
	le := binary.LittleEndian
	return &TelemetrySample{
		Sequence:       le.Uint16(frame[3:5]),
		MissionTime:    float64(le.Uint32(frame[5:9])) / 1000,
		MagX:           math.Float32frombits(le.Uint32(frame[9:13])),
		MagY:           math.Float32frombits(le.Uint32(frame[13:17])),
		MagZ:           math.Float32frombits(le.Uint32(frame[17:21])),
		CorrosionRaw:   le.Uint16(frame[21:23]),
		RadiationCPS:   le.Uint32(frame[23:27]),
		TemperatureBME: math.Float32frombits(le.Uint32(frame[27:31])),
		Pressure:       math.Float32frombits(le.Uint32(frame[31:35])),
		Humidity:       math.Float32frombits(le.Uint32(frame[35:39])),
		TemperatureTMP: math.Float32frombits(le.Uint32(frame[39:43])),
		Latitude:       float64(int32(le.Uint32(frame[43:47]))) / 1e7,
		Longitude:      float64(int32(le.Uint32(frame[47:51]))) / 1e7,
		Altitude:       float64(int32(le.Uint32(frame[51:55]))) / 1000,
		BatteryVoltage: float64(le.Uint16(frame[55:57])) / 1000,
		BatteryCurrent: float64(le.Uint16(frame[57:59])),
		State:          SystemState(frame[59]),
		ErrorFlags:     frame[60],
		Uptime:         le.Uint32(frame[61:65]),
	}
}
