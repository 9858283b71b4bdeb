// Package command decodes uplinked commands into a closed set of typed
// operations and dispatches them against the flight actions. Commands
// arrive either as binary frames or as line-delimited JSON from ground
// tooling; both decode to the same operations.
package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oliya09/CubeSat-1u/internal/protocol"
)

var (
	ErrUnknown   = errors.New("unknown command")
	ErrBadParams = errors.New("invalid command params")
)

// ID is the wire identifier of a command.
type ID uint8

const (
	IDPing         ID = 0x01
	IDGetTelemetry ID = 0x02
	IDCaptureImage ID = 0x03
	IDSetMode      ID = 0x04
	IDReset        ID = 0x05
	IDTransmitFile ID = 0x06
	IDGetStatus    ID = 0x07
	IDSetSchedule  ID = 0x08
	IDSendBeacon   ID = 0x09
	IDReboot       ID = 0x0A
	IDShutdown     ID = 0x0B
	IDCalibrate    ID = 0x0C
	IDGetLogs      ID = 0x0D
	IDClearLogs    ID = 0x0E
)

var idNames = map[ID]string{
	IDPing:         "ping",
	IDGetTelemetry: "get_telemetry",
	IDCaptureImage: "capture_image",
	IDSetMode:      "set_mode",
	IDReset:        "reset",
	IDTransmitFile: "transmit_file",
	IDGetStatus:    "get_status",
	IDSetSchedule:  "set_schedule",
	IDSendBeacon:   "beacon",
	IDReboot:       "reboot",
	IDShutdown:     "shutdown",
	IDCalibrate:    "calibrate",
	IDGetLogs:      "get_logs",
	IDClearLogs:    "clear_logs",
}

func (id ID) String() string {
	if name, ok := idNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", uint8(id))
}

// Command is one decoded uplink command: the wire id, the sender's
// sequence number, and the typed operation.
type Command struct {
	ID       ID
	Sequence uint16
	Op       Op
}

// Op is the closed set of operations the satellite executes. Every
// operation knows how to apply itself against Actions, so adding a kind
// without wiring its side effect does not compile.
type Op interface {
	apply(a Actions, seq uint16) error
}

type Ping struct{}

type GetTelemetry struct{}

// CaptureImage requests a camera capture. Quality 0 means the configured
// default.
type CaptureImage struct {
	Quality int
}

type SetMode struct {
	Mode protocol.SystemState
}

// Reset is the legacy id for a power-cycle; it behaves exactly like Reboot.
type Reset struct{}

type TransmitFile struct {
	Path string
}

type GetStatus struct{}

type SetSchedule struct {
	Interval time.Duration
}

type SendBeacon struct{}

type Reboot struct{}

type Shutdown struct{}

// Calibrate forwards a sensor calibration request to the microcontroller.
// Target "all" sweeps every sensor.
type Calibrate struct {
	Target string
}

type GetLogs struct {
	Count int
}

type ClearLogs struct{}

// Parse decodes a binary command frame into a typed command.
func Parse(p *protocol.CommandPacket) (Command, error) {
	op, err := buildOp(ID(p.ID), p.Params)
	if err != nil {
		return Command{}, err
	}
	return Command{ID: ID(p.ID), Sequence: p.Sequence, Op: op}, nil
}

// textCommand is the line-delimited JSON form accepted from ground tooling:
//
//	{"command":"capture_image","sequence":12,"params":{"quality":90}}
//
// Older consoles send the name under "type" ({"type":"PING"}); both
// keys are accepted.
type textCommand struct {
	Command  string          `json:"command"`
	Type     string          `json:"type"`
	Sequence uint16          `json:"sequence"`
	Params   json.RawMessage `json:"params"`
}

// ParseLine decodes one line of the structured-text uplink encoding.
func ParseLine(line []byte) (Command, error) {
	line = bytes.TrimSpace(line)
	var tc textCommand
	if err := json.Unmarshal(line, &tc); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	name := tc.Command
	if name == "" {
		name = tc.Type
	}
	if name == "" {
		return Command{}, fmt.Errorf("%w: missing command field", ErrBadParams)
	}

	id, ok := idByName(name)
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	op, err := buildOp(id, tc.Params)
	if err != nil {
		return Command{}, err
	}
	return Command{ID: id, Sequence: tc.Sequence, Op: op}, nil
}

func idByName(name string) (ID, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for id, n := range idNames {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

func buildOp(id ID, params []byte) (Op, error) {
	switch id {
	case IDPing:
		return Ping{}, nil
	case IDGetTelemetry:
		return GetTelemetry{}, nil
	case IDCaptureImage:
		return parseCaptureImage(params)
	case IDSetMode:
		return parseSetMode(params)
	case IDReset:
		return Reset{}, nil
	case IDTransmitFile:
		return parseTransmitFile(params)
	case IDGetStatus:
		return GetStatus{}, nil
	case IDSetSchedule:
		return parseSetSchedule(params)
	case IDSendBeacon:
		return SendBeacon{}, nil
	case IDReboot:
		return Reboot{}, nil
	case IDShutdown:
		return Shutdown{}, nil
	case IDCalibrate:
		return parseCalibrate(params)
	case IDGetLogs:
		return parseGetLogs(params)
	case IDClearLogs:
		return ClearLogs{}, nil
	default:
		return nil, fmt.Errorf("%w: id 0x%02X", ErrUnknown, uint8(id))
	}
}

// unmarshalParams decodes the optional params object; an absent or empty
// payload leaves v untouched.
func unmarshalParams(raw []byte, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadParams, err)
	}
	return nil
}

func parseCaptureImage(raw []byte) (Op, error) {
	var p struct {
		Quality int `json:"quality"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Quality < 0 || p.Quality > 100 {
		return nil, fmt.Errorf("%w: quality %d out of range", ErrBadParams, p.Quality)
	}
	return CaptureImage{Quality: p.Quality}, nil
}

func parseSetMode(raw []byte) (Op, error) {
	var p struct {
		Mode any `json:"mode"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}

	var mode protocol.SystemState
	switch v := p.Mode.(type) {
	case float64:
		mode = protocol.SystemState(uint8(v))
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "nominal":
			mode = protocol.StateNominal
		case "safe":
			mode = protocol.StateSafe
		case "low_power":
			mode = protocol.StateLowPower
		case "emergency":
			mode = protocol.StateEmergency
		default:
			return nil, fmt.Errorf("%w: mode %q", ErrBadParams, v)
		}
	default:
		return nil, fmt.Errorf("%w: missing mode", ErrBadParams)
	}

	switch mode {
	case protocol.StateNominal, protocol.StateSafe, protocol.StateLowPower, protocol.StateEmergency:
		return SetMode{Mode: mode}, nil
	default:
		return nil, fmt.Errorf("%w: mode %s not commandable", ErrBadParams, mode)
	}
}

func parseTransmitFile(raw []byte) (Op, error) {
	var p struct {
		Path     string `json:"path"`
		Filename string `json:"filename"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	path := p.Path
	if path == "" {
		path = p.Filename
	}
	if path == "" {
		return nil, fmt.Errorf("%w: missing path", ErrBadParams)
	}
	return TransmitFile{Path: path}, nil
}

func parseSetSchedule(raw []byte) (Op, error) {
	var p struct {
		Interval float64 `json:"interval"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval %v must be positive seconds", ErrBadParams, p.Interval)
	}
	return SetSchedule{Interval: time.Duration(p.Interval * float64(time.Second))}, nil
}

func parseCalibrate(raw []byte) (Op, error) {
	p := struct {
		Target string `json:"target"`
	}{Target: "all"}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	return Calibrate{Target: p.Target}, nil
}

func parseGetLogs(raw []byte) (Op, error) {
	p := struct {
		Count int `json:"count"`
	}{Count: 100}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Count < 1 || p.Count > 1000 {
		return nil, fmt.Errorf("%w: count %d out of range", ErrBadParams, p.Count)
	}
	return GetLogs{Count: p.Count}, nil
}
