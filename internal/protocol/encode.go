package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// telemetry frames emitted by this node carry type 0x01 (sensor snapshot);
// the byte is accepted unchecked on decode.
const telemetryPacketType = 0x01

// Checksum is the additive checksum used by telemetry frames: the sum of
// all bytes preceding the checksum field, modulo 65536.
func Checksum(b []byte) uint16 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return uint16(sum)
}

func putSync(dst []byte, w SyncWord) {
	binary.BigEndian.PutUint16(dst, uint16(w))
}

// Encode serializes the sample as a telemetry frame, recomputing the
// trailing checksum over the freshly built payload.
func (s *TelemetrySample) Encode() []byte {
	le := binary.LittleEndian
	frame := make([]byte, TelemetryFrameLen)
	putSync(frame[0:2], SyncTelemetry)
	frame[2] = telemetryPacketType
	le.PutUint16(frame[3:5], s.Sequence)
	le.PutUint32(frame[5:9], uint32(math.Round(s.MissionTime*1000)))
	le.PutUint32(frame[9:13], math.Float32bits(s.MagX))
	le.PutUint32(frame[13:17], math.Float32bits(s.MagY))
	le.PutUint32(frame[17:21], math.Float32bits(s.MagZ))
	le.PutUint16(frame[21:23], s.CorrosionRaw)
	le.PutUint32(frame[23:27], s.RadiationCPS)
	le.PutUint32(frame[27:31], math.Float32bits(s.TemperatureBME))
	le.PutUint32(frame[31:35], math.Float32bits(s.Pressure))
	le.PutUint32(frame[35:39], math.Float32bits(s.Humidity))
	le.PutUint32(frame[39:43], math.Float32bits(s.TemperatureTMP))
	le.PutUint32(frame[43:47], uint32(int32(math.Round(s.Latitude*1e7))))
	le.PutUint32(frame[47:51], uint32(int32(math.Round(s.Longitude*1e7))))
	le.PutUint32(frame[51:55], uint32(int32(math.Round(s.Altitude*1000))))
	le.PutUint16(frame[55:57], uint16(math.Round(s.BatteryVoltage*1000)))
	le.PutUint16(frame[57:59], uint16(math.Round(s.BatteryCurrent)))
	frame[59] = byte(s.State)
	frame[60] = s.ErrorFlags
	le.PutUint32(frame[61:65], s.Uptime)
	le.PutUint16(frame[65:67], Checksum(frame[:65]))
	return frame
}

// Encode serializes a command frame. Commands carry no checksum.
func (c *CommandPacket) Encode() ([]byte, error) {
	if len(c.Params) > MaxCommandParams {
		return nil, fmt.Errorf("command params %d bytes, limit %d", len(c.Params), MaxCommandParams)
	}
	frame := make([]byte, commandHeaderLen, commandHeaderLen+len(c.Params))
	putSync(frame[0:2], SyncCommand)
	frame[2] = c.ID
	binary.LittleEndian.PutUint16(frame[3:5], c.Sequence)
	binary.LittleEndian.PutUint16(frame[5:7], uint16(len(c.Params)))
	return append(frame, c.Params...), nil
}

// Encode serializes a chunk frame. Chunks carry no checksum.
func (c *Chunk) Encode() ([]byte, error) {
	if len(c.Data) > MaxChunkData {
		return nil, fmt.Errorf("chunk data %d bytes, limit %d", len(c.Data), MaxChunkData)
	}
	var sync SyncWord
	switch c.Kind {
	case ChunkImage:
		sync = SyncImageChunk
	case ChunkFile:
		sync = SyncFileChunk
	default:
		return nil, fmt.Errorf("unknown chunk kind %d", c.Kind)
	}
	frame := make([]byte, chunkHeaderLen, chunkHeaderLen+len(c.Data))
	putSync(frame[0:2], sync)
	binary.LittleEndian.PutUint16(frame[2:4], c.Number)
	binary.LittleEndian.PutUint16(frame[4:6], uint16(len(c.Data)))
	return append(frame, c.Data...), nil
}

// Encode serializes a beacon frame.
func (b *Beacon) Encode() []byte {
	le := binary.LittleEndian
	frame := make([]byte, BeaconFrameLen)
	putSync(frame[0:2], SyncBeacon)
	le.PutUint32(frame[2:6], b.Timestamp)
	frame[6] = byte(b.State)
	le.PutUint32(frame[7:11], b.Uptime)
	le.PutUint16(frame[11:13], b.BatteryMillivolts)
	frame[13] = b.Backlog
	return frame
}
