package app

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oliya09/CubeSat-1u/internal/command"
	"github.com/oliya09/CubeSat-1u/internal/downlink"
	"github.com/oliya09/CubeSat-1u/internal/link"
	"github.com/oliya09/CubeSat-1u/internal/protocol"
	"github.com/oliya09/CubeSat-1u/internal/telemetry"
)

func decodeFrame(t *testing.T, payload []byte) protocol.Packet {
	t.Helper()
	dec := protocol.NewDecoder()
	dec.Feed(payload)
	pkt, err := dec.Next()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pkt == nil {
		t.Fatal("payload held no complete frame")
	}
	return pkt
}

func popItem(t *testing.T, a *App, kind downlink.Kind) *downlink.Item {
	t.Helper()
	it, ok := a.queue.TryPop()
	if !ok {
		t.Fatalf("downlink queue empty, want %s item", kind)
	}
	if it.Kind != kind {
		t.Fatalf("item kind = %s, want %s", it.Kind, kind)
	}
	return it
}

func TestPongQueuesControlReply(t *testing.T) {
	a := newTestApp(t)

	if err := a.Pong(42); err != nil {
		t.Fatalf("pong: %v", err)
	}

	it := popItem(t, a, downlink.KindControl)
	cp, ok := decodeFrame(t, it.Payload).(*protocol.CommandPacket)
	if !ok {
		t.Fatal("reply is not a command packet")
	}
	if cp.Sequence != 42 {
		t.Fatalf("reply sequence = %d, want 42", cp.Sequence)
	}
	if cp.ID != uint8(command.IDPing) {
		t.Fatalf("reply id = 0x%02X, want ping", cp.ID)
	}

	var params map[string]any
	if err := json.Unmarshal(cp.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params["type"] != "PONG" {
		t.Fatalf("params = %v, want PONG", params)
	}
}

func TestSendLatestTelemetryWithoutSample(t *testing.T) {
	a := newTestApp(t)

	if err := a.SendLatestTelemetry(3); err != nil {
		t.Fatalf("send: %v", err)
	}

	it := popItem(t, a, downlink.KindControl)
	cp := decodeFrame(t, it.Payload).(*protocol.CommandPacket)

	var params map[string]any
	if err := json.Unmarshal(cp.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params["error"] != "no telemetry" {
		t.Fatalf("params = %v, want no-telemetry error", params)
	}
}

func TestSendLatestTelemetryEncodesLatest(t *testing.T) {
	a := newTestApp(t)
	smp := &protocol.TelemetrySample{
		Timestamp:      time.Now().UTC(),
		Sequence:       21,
		BatteryVoltage: 3.75,
	}
	if err := a.store.Save(smp); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := a.SendLatestTelemetry(5); err != nil {
		t.Fatalf("send: %v", err)
	}

	it := popItem(t, a, downlink.KindTelemetryReply)
	got, ok := decodeFrame(t, it.Payload).(*protocol.TelemetrySample)
	if !ok {
		t.Fatal("reply is not a telemetry frame")
	}
	if got.Sequence != 21 {
		t.Fatalf("sequence = %d, want 21", got.Sequence)
	}
	if got.BatteryVoltage != 3.75 {
		t.Fatalf("battery = %v, want 3.75", got.BatteryVoltage)
	}
}

func TestScheduleFileConfinedToStorage(t *testing.T) {
	a := newTestApp(t)

	if err := a.ScheduleFile("../outside.bin"); err == nil {
		t.Fatal("relative escape accepted")
	}
	if err := a.ScheduleFile("/etc/hosts"); err == nil {
		t.Fatal("absolute path outside storage accepted")
	}
	if err := a.ScheduleFile("images"); err == nil {
		t.Fatal("directory accepted")
	}

	path := filepath.Join(a.cfg.StorageDir, "export.bin")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.ScheduleFile("export.bin"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	it := popItem(t, a, downlink.KindFile)
	if it.Path != path {
		t.Fatalf("item path = %s, want %s", it.Path, path)
	}
}

func TestSendStatusReportsCoreFields(t *testing.T) {
	a := newTestApp(t)
	if err := a.machine.set(protocol.StateNominal, "test"); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := a.SendStatus(9); err != nil {
		t.Fatalf("status: %v", err)
	}

	it := popItem(t, a, downlink.KindControl)
	cp := decodeFrame(t, it.Payload).(*protocol.CommandPacket)
	if cp.Sequence != 9 {
		t.Fatalf("sequence = %d, want 9", cp.Sequence)
	}

	var params map[string]any
	if err := json.Unmarshal(cp.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params["type"] != "STATUS" {
		t.Fatalf("type = %v, want STATUS", params["type"])
	}
	if params["state"] != "NOMINAL" {
		t.Fatalf("state = %v, want NOMINAL", params["state"])
	}
	if _, ok := params["uptime_s"]; !ok {
		t.Fatal("uptime_s missing")
	}
	if backlog, ok := params["backlog"].(float64); !ok || backlog != 0 {
		t.Fatalf("backlog = %v, want 0", params["backlog"])
	}
}

func TestCalibrateFramesCommandForMCU(t *testing.T) {
	a := newTestApp(t)

	if err := a.Calibrate("mag"); err != nil {
		t.Fatalf("calibrate: %v", err)
	}

	var frame []byte
	select {
	case frame = <-a.mcuTxCh:
	default:
		t.Fatal("no frame queued for the mcu")
	}

	cp, ok := decodeFrame(t, frame).(*protocol.CommandPacket)
	if !ok {
		t.Fatal("frame is not a command packet")
	}
	if cp.ID != uint8(command.IDCalibrate) {
		t.Fatalf("id = 0x%02X, want calibrate", cp.ID)
	}

	var params map[string]string
	if err := json.Unmarshal(cp.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params["target"] != "mag" {
		t.Fatalf("target = %q, want mag", params["target"])
	}
}

func TestDownlinkLogsExportsEvents(t *testing.T) {
	a := newTestApp(t)
	if err := a.store.LogEvent("info", "test", "one"); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := a.store.LogEvent("warn", "test", "two"); err != nil {
		t.Fatalf("log: %v", err)
	}

	if err := a.DownlinkLogs(10); err != nil {
		t.Fatalf("downlink logs: %v", err)
	}

	it := popItem(t, a, downlink.KindFile)
	raw, err := os.ReadFile(it.Path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var events []telemetry.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("exported %d events, want 2", len(events))
	}
}

func TestClearLogsEmptiesEventLog(t *testing.T) {
	a := newTestApp(t)
	if err := a.store.LogEvent("info", "test", "one"); err != nil {
		t.Fatalf("log: %v", err)
	}

	if err := a.ClearLogs(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	events, err := a.store.RecentEvents(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events after clear = %d, want 0", len(events))
	}
}

func TestHandleUplinkLine(t *testing.T) {
	a := newTestApp(t)

	a.handleUplinkLine([]byte(`{"type":"PING","params":{}}`))
	select {
	case cmd := <-a.commandCh:
		if cmd.ID != command.IDPing {
			t.Fatalf("command = %s, want ping", cmd.ID)
		}
	default:
		t.Fatal("valid line produced no command")
	}

	a.handleUplinkLine([]byte(`{"type":"NO_SUCH"}`))
	select {
	case cmd := <-a.commandCh:
		t.Fatalf("junk line produced command %s", cmd.ID)
	default:
	}
}

func TestSetModeClearsDegradedLatch(t *testing.T) {
	a := newTestApp(t)
	if err := a.machine.set(protocol.StateNominal, "test"); err != nil {
		t.Fatalf("set: %v", err)
	}
	a.healthDegraded.Store(true)

	if err := a.SetMode(protocol.StateSafe); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if a.healthDegraded.Load() {
		t.Fatal("degraded latch survived a commanded mode change")
	}
	if got := a.machine.current(); got != protocol.StateSafe {
		t.Fatalf("state = %s, want SAFE", got)
	}
}

func TestPowerEnvelopeDegradesAndRecovers(t *testing.T) {
	a := newTestApp(t)
	if err := a.machine.set(protocol.StateNominal, "test"); err != nil {
		t.Fatalf("set: %v", err)
	}

	low := &protocol.TelemetrySample{Timestamp: time.Now().UTC(), Sequence: 1, BatteryVoltage: 3.2}
	if err := a.store.Save(low); err != nil {
		t.Fatalf("save: %v", err)
	}
	a.checkPowerEnvelope()
	if got := a.machine.current(); got != protocol.StateLowPower {
		t.Fatalf("state = %s, want LOW_POWER", got)
	}
	if !a.healthDegraded.Load() {
		t.Fatal("degraded latch not set")
	}

	recovered := &protocol.TelemetrySample{Timestamp: time.Now().UTC(), Sequence: 2, BatteryVoltage: 3.8}
	if err := a.store.Save(recovered); err != nil {
		t.Fatalf("save: %v", err)
	}
	a.checkPowerEnvelope()
	if got := a.machine.current(); got != protocol.StateNominal {
		t.Fatalf("state = %s, want NOMINAL restored", got)
	}
	if a.healthDegraded.Load() {
		t.Fatal("degraded latch survived recovery")
	}
}

func TestPowerEnvelopeRespectsCommandedSafe(t *testing.T) {
	a := newTestApp(t)
	if err := a.machine.set(protocol.StateNominal, "test"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := a.SetMode(protocol.StateSafe); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	healthy := &protocol.TelemetrySample{Timestamp: time.Now().UTC(), Sequence: 3, BatteryVoltage: 3.9}
	if err := a.store.Save(healthy); err != nil {
		t.Fatalf("save: %v", err)
	}
	a.checkPowerEnvelope()
	if got := a.machine.current(); got != protocol.StateSafe {
		t.Fatalf("state = %s, commanded SAFE must hold", got)
	}
}

func TestBoardTemperatureForcesSafe(t *testing.T) {
	a := newTestApp(t)
	if err := a.machine.set(protocol.StateNominal, "test"); err != nil {
		t.Fatalf("set: %v", err)
	}

	hot := &protocol.TelemetrySample{
		Timestamp:      time.Now().UTC(),
		Sequence:       4,
		BatteryVoltage: 3.9,
		TemperatureBME: 82.5,
	}
	if err := a.store.Save(hot); err != nil {
		t.Fatalf("save: %v", err)
	}
	a.checkPowerEnvelope()
	if got := a.machine.current(); got != protocol.StateSafe {
		t.Fatalf("state = %s, want SAFE on board overtemperature", got)
	}
}

func TestEmitBeaconWritesFrame(t *testing.T) {
	a := newTestApp(t)
	if err := a.machine.set(protocol.StateNominal, "test"); err != nil {
		t.Fatalf("set: %v", err)
	}

	endpoint := "mem:beacon-" + t.Name()
	near, err := link.Dial(endpoint, 0, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	far, err := link.Dial(endpoint, 0, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("dial peer: %v", err)
	}
	defer far.Close()
	a.ground.set(near)

	smp := &protocol.TelemetrySample{Timestamp: time.Now().UTC(), BatteryVoltage: 3.85}
	if err := a.store.Save(smp); err != nil {
		t.Fatalf("save: %v", err)
	}

	a.emitBeacon()

	raw := readBytes(t, far, protocol.BeaconFrameLen)
	b, ok := decodeFrame(t, raw).(*protocol.Beacon)
	if !ok {
		t.Fatal("frame is not a beacon")
	}
	if b.State != protocol.StateNominal {
		t.Fatalf("beacon state = %s, want NOMINAL", b.State)
	}
	if b.BatteryMillivolts != 3850 {
		t.Fatalf("beacon battery = %d mV, want 3850", b.BatteryMillivolts)
	}
	if b.Backlog != 0 {
		t.Fatalf("beacon backlog = %d, want 0", b.Backlog)
	}
}
