package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oliya09/CubeSat-1u/internal/command"
	"github.com/oliya09/CubeSat-1u/internal/downlink"
	"github.com/oliya09/CubeSat-1u/internal/health"
	"github.com/oliya09/CubeSat-1u/internal/protocol"
)

var _ command.Actions = (*App)(nil)

type captureRequest struct {
	Quality int
	Origin  string
}

// captureGate admits one capture at a time. A request arriving while one
// is in flight is held and started when the running capture finishes;
// further arrivals collapse into the held one.
type captureGate struct {
	mu      sync.Mutex
	busy    bool
	pending *captureRequest
	start   func(captureRequest)
	logger  *slog.Logger
}

func (g *captureGate) request(req captureRequest) {
	g.mu.Lock()
	if !g.busy {
		g.busy = true
		g.mu.Unlock()
		g.start(req)
		return
	}
	if g.pending == nil {
		g.pending = &req
		g.mu.Unlock()
		g.logger.Info("capture in flight, request deferred", "origin", req.Origin)
		return
	}
	g.mu.Unlock()
	g.logger.Debug("capture already deferred, request collapsed", "origin", req.Origin)
}

func (g *captureGate) done() {
	g.mu.Lock()
	next := g.pending
	g.pending = nil
	if next == nil {
		g.busy = false
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.start(*next)
}

// startCapture hands an admitted request to the capture worker. The gate
// admits one capture at a time and the channel holds at least one slot,
// so the send only fails when the worker is gone.
func (a *App) startCapture(req captureRequest) {
	select {
	case a.captureCh <- req:
	default:
		a.logger.Error("capture worker unavailable, request dropped", "origin", req.Origin)
		a.gate.done()
	}
}

// handleUplinkLine takes one JSON console command, arriving either over
// the MQTT bridge or inline on the ground link.
func (a *App) handleUplinkLine(line []byte) {
	cmd, err := command.ParseLine(line)
	if err != nil {
		snippet := string(line)
		if len(snippet) > 120 {
			snippet = snippet[:120] + "..."
		}
		a.logger.Warn("uplink line rejected", "error", err, "line", snippet)
		return
	}
	a.offerCommand(context.Background(), cmd)
}

// controlReply frames a JSON reply as a command packet and queues it at
// control priority, ahead of all data.
func (a *App) controlReply(seq uint16, id command.ID, params map[string]any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal reply params: %w", err)
	}
	pkt := protocol.CommandPacket{ID: uint8(id), Sequence: seq, Params: raw}
	frame, err := pkt.Encode()
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	it := downlink.NewPayloadItem(downlink.KindControl, id.String()+" reply", frame)
	return a.queue.Push(context.Background(), it)
}

func (a *App) Pong(seq uint16) error {
	return a.controlReply(seq, command.IDPing, map[string]any{
		"type":      "PONG",
		"timestamp": time.Now().Unix(),
	})
}

func (a *App) SendLatestTelemetry(seq uint16) error {
	sample, ok := a.store.Latest()
	if !ok {
		a.logger.Warn("telemetry requested before first sample")
		return a.controlReply(seq, command.IDGetTelemetry, map[string]any{"error": "no telemetry"})
	}
	it := downlink.NewPayloadItem(downlink.KindTelemetryReply, "telemetry", sample.Encode())
	return a.queue.Push(context.Background(), it)
}

func (a *App) RequestCapture(quality int) error {
	if quality <= 0 {
		quality = a.cfg.CameraQuality
	}
	a.gate.request(captureRequest{Quality: quality, Origin: "command"})
	return nil
}

// SetMode applies a commanded mode. A commanded transition also clears
// the degradation latch so the health monitor cannot override it.
func (a *App) SetMode(mode protocol.SystemState) error {
	if err := a.machine.set(mode, "ground command"); err != nil {
		return err
	}
	a.healthDegraded.Store(false)
	return nil
}

func (a *App) ScheduleFile(path string) error {
	resolved, err := a.resolveStoragePath(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("stat %s: %w", resolved, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", resolved)
	}
	a.logger.Info("file queued for downlink", "path", resolved, "bytes", info.Size())
	return a.queue.Push(context.Background(), downlink.NewFileItem(downlink.KindFile, resolved))
}

func (a *App) SendStatus(seq uint16) error {
	fields := map[string]any{
		"type":     "STATUS",
		"state":    a.machine.current().String(),
		"uptime_s": a.uptimeSeconds(),
		"backlog":  a.queue.Len(),
	}
	if free, err := health.FreeSpaceGB(a.cfg.StorageDir); err == nil {
		fields["free_gb"] = math.Round(free*100) / 100
	} else {
		a.logger.Debug("free space probe failed", "error", err)
	}
	if temp, err := health.ReadTemperature(a.thermalZone); err == nil {
		fields["cpu_temp_c"] = math.Round(temp*10) / 10
	} else {
		a.logger.Debug("cpu temperature unavailable", "error", err)
	}
	if images, err := a.tree.CountRaw(); err == nil {
		fields["images"] = images
	} else {
		a.logger.Debug("raw image count failed", "error", err)
	}
	if samples, err := a.store.Count(); err == nil {
		fields["samples"] = samples
	} else {
		a.logger.Debug("sample count failed", "error", err)
	}
	return a.controlReply(seq, command.IDGetStatus, fields)
}

func (a *App) SetCaptureInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("capture interval must be positive, got %s", d)
	}
	a.captureInterval.Store(int64(d))
	a.logger.Info("capture interval updated", "interval", d)
	return nil
}

func (a *App) EmitBeacon() error {
	a.emitBeacon()
	return nil
}

func (a *App) Reboot() error {
	a.logger.Warn("reboot commanded")
	a.requestTeardown("reboot")
	return nil
}

func (a *App) Shutdown() error {
	a.logger.Warn("shutdown commanded")
	a.requestTeardown("poweroff")
	return nil
}

func (a *App) Calibrate(target string) error {
	raw, err := json.Marshal(map[string]string{"target": target})
	if err != nil {
		return fmt.Errorf("marshal calibrate params: %w", err)
	}
	pkt := protocol.CommandPacket{ID: uint8(command.IDCalibrate), Sequence: a.nextSeq(), Params: raw}
	frame, err := pkt.Encode()
	if err != nil {
		return fmt.Errorf("encode calibrate: %w", err)
	}

	select {
	case a.mcuTxCh <- frame:
		a.logger.Info("calibration forwarded", "target", target)
		return nil
	default:
		return errors.New("mcu command queue full")
	}
}

func (a *App) DownlinkLogs(count int) error {
	events, err := a.store.RecentEvents(count)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	raw, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	dir := filepath.Join(a.cfg.StorageDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("events-%d.json", time.Now().Unix()))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write log export: %w", err)
	}

	a.logger.Info("event log exported", "events", len(events), "path", path)
	return a.queue.Push(context.Background(), downlink.NewFileItem(downlink.KindFile, path))
}

func (a *App) ClearLogs() error {
	n, err := a.store.ClearEvents()
	if err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	a.logger.Info("event log cleared", "events", n)
	return nil
}

func (a *App) requestTeardown(action string) {
	select {
	case a.shutdownCh <- action:
	default:
		// Teardown already requested.
	}
}

// resolveStoragePath confines a ground-supplied path to the storage tree.
func (a *App) resolveStoragePath(rel string) (string, error) {
	base, err := filepath.Abs(a.cfg.StorageDir)
	if err != nil {
		return "", fmt.Errorf("resolve storage dir: %w", err)
	}
	p := rel
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)
	if p != base && !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s outside storage tree", rel)
	}
	return p, nil
}
