// Package app owns the worker set and the queues connecting them: it
// reads the microcontroller and ground links, persists telemetry,
// executes ground commands and schedules the downlink.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oliya09/CubeSat-1u/internal/camera"
	"github.com/oliya09/CubeSat-1u/internal/command"
	"github.com/oliya09/CubeSat-1u/internal/config"
	"github.com/oliya09/CubeSat-1u/internal/db"
	"github.com/oliya09/CubeSat-1u/internal/downlink"
	"github.com/oliya09/CubeSat-1u/internal/health"
	"github.com/oliya09/CubeSat-1u/internal/link"
	"github.com/oliya09/CubeSat-1u/internal/metrics"
	"github.com/oliya09/CubeSat-1u/internal/protocol"
	"github.com/oliya09/CubeSat-1u/internal/telemetry"
)

const (
	// Workers poll their queues at this cadence rather than blocking
	// forever, so every loop stays responsive to shutdown and keeps
	// its liveness pulse fresh.
	pollInterval = 50 * time.Millisecond

	redialInterval      = time.Second
	downlinkTick        = time.Second
	maxTransmitAttempts = 3
)

// App is the flight application: collaborators, queues and state.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	reg    *prometheus.Registry
	m      *metrics.Flight

	store telemetry.Store
	cam   camera.Service
	tree  camera.Tree

	queue      *downlink.Queue
	tx         *downlink.Transmitter
	dispatcher *command.Dispatcher
	bridge     *link.Bridge

	mcu    *linkHolder
	ground *linkHolder

	machine *machine
	pulse   *pulse
	gate    *captureGate

	startedAt       time.Time
	captureInterval atomic.Int64 // nanoseconds, settable from ground
	replySeq        atomic.Uint32
	healthDegraded  atomic.Bool
	thermalZone     string

	seqMu   sync.Mutex
	lastSeq map[string]uint16 // highest telemetry sequence seen per link

	telemetryCh chan *protocol.TelemetrySample
	commandCh   chan command.Command
	captureCh   chan captureRequest
	shotCh      chan pipelineJob
	mcuTxCh     chan []byte
	shutdownCh  chan string
}

// Run wires the flight application and blocks until ctx is cancelled
// or a commanded teardown completes.
func Run(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()

	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"mcuPort", cfg.MCUPort,
		"groundPort", cfg.GroundPort,
		"dbPath", cfg.DBPath,
		"storageDir", cfg.StorageDir,
		"captureInterval", cfg.CaptureInterval,
		"beaconInterval", cfg.BeaconInterval,
		"mqttBroker", cfg.MQTTBroker,
		"metricsAddr", cfg.MetricsAddr,
		"cameraMode", cfg.CameraMode,
	)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var dbConn *sql.DB
	var err error
	if cfg.LogLevel == slog.LevelDebug {
		dbConn, err = db.OpenTraced(cfg.DBPath, logger, m.ObserveSQL)
	} else {
		dbConn, err = db.Open(cfg.DBPath)
	}
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			logger.Error("db close", "error", closeErr)
		}
	}()

	if err := telemetry.Migrate(dbConn); err != nil {
		return err
	}
	store, err := telemetry.NewStore(dbConn)
	if err != nil {
		return err
	}
	logger.Info("telemetry store ready", "path", cfg.DBPath)

	tree, err := camera.NewTree(cfg.StorageDir)
	if err != nil {
		return err
	}
	cam, err := camera.New(cfg.CameraMode, tree, cfg.CameraQuality, logger)
	if err != nil {
		return err
	}

	a := newApp(cfg, logger, reg, m, store, cam, tree)

	if cfg.MQTTBroker != "" {
		bridge, err := link.NewBridge(cfg, logger)
		if err != nil {
			return err
		}
		bridge.UplinkHandler = a.handleUplinkLine
		a.bridge = bridge

		// Short timeout so a down broker cannot stall boot; the client
		// keeps retrying in the background.
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err = bridge.Connect(connectCtx)
		connectCancel()
		if err != nil {
			logger.Warn("mqtt connection failed (continuing without bridge)", "error", err)
		}
		defer bridge.Disconnect()
	}

	return a.run(ctx)
}

// newApp wires queues and workers around already-opened collaborators.
// Run owns opening them; tests inject their own.
func newApp(cfg config.Config, logger *slog.Logger, reg *prometheus.Registry, m *metrics.Flight,
	store telemetry.Store, cam camera.Service, tree camera.Tree) *App {
	a := &App{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		m:      m,
		store:  store,
		cam:    cam,
		tree:   tree,

		queue:  downlink.NewQueue(cfg.DownlinkQueueCap, cfg.EnqueueTimeout),
		mcu:    newLinkHolder(cfg.MCUPort, cfg.MCUBaud),
		ground: newLinkHolder(cfg.GroundPort, cfg.GroundBaud),
		pulse:  newPulse(),

		startedAt:   time.Now(),
		thermalZone: health.DefaultThermalZone,
		lastSeq:     make(map[string]uint16),

		telemetryCh: make(chan *protocol.TelemetrySample, cfg.TelemetryQueueCap),
		commandCh:   make(chan command.Command, cfg.CommandQueueCap),
		captureCh:   make(chan captureRequest, cfg.CaptureQueueCap),
		shotCh:      make(chan pipelineJob, cfg.CaptureQueueCap),
		mcuTxCh:     make(chan []byte, cfg.CommandQueueCap),
		shutdownCh:  make(chan string, 1),
	}

	a.captureInterval.Store(int64(cfg.CaptureInterval))
	a.machine = newMachine(logger,
		func(st protocol.SystemState) { m.SystemState.Set(float64(st)) },
		func(level, msg string) {
			if err := store.LogEvent(level, "state", msg); err != nil {
				logger.Error("event log failed", "error", err)
			}
		},
	)
	a.gate = &captureGate{logger: logger, start: a.startCapture}
	a.tx = downlink.NewTransmitter(groundWriter{a}, cfg.ChunkSize, cfg.ChunkDelay, logger)
	a.dispatcher = command.NewDispatcher(a, logger)
	return a
}

// run starts every worker, flips to NOMINAL and waits for shutdown.
func (a *App) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, w := range a.workers() {
		w := w
		a.pulse.beat(w.name)
		a.m.WorkerUp.WithLabelValues(w.name).Set(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer a.m.WorkerUp.WithLabelValues(w.name).Set(0)
			a.runWorker(runCtx, w)
		}()
		a.logger.Info("worker started", "worker", w.name)
	}

	if a.cfg.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(runCtx, a.cfg.MetricsAddr, a.reg, a.logger); err != nil {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if err := a.machine.set(protocol.StateNominal, "startup complete"); err != nil {
		return err
	}
	a.logger.Info("flight controller nominal", "workers", len(a.workers()))

	var power string
	select {
	case <-ctx.Done():
	case power = <-a.shutdownCh:
		a.logger.Warn("commanded teardown", "action", power)
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("all workers stopped")
	case <-time.After(a.cfg.ShutdownTimeout):
		a.logger.Warn("teardown timed out, proceeding", "timeout", a.cfg.ShutdownTimeout)
	}

	a.mcu.closeAndClear()
	a.ground.closeAndClear()

	if power != "" {
		a.logger.Warn("issuing power action", "action", power)
		if err := powerAction(power); err != nil {
			a.logger.Error("power action failed", "action", power, "error", err)
		}
	}
	return ctx.Err()
}

func (a *App) uptimeSeconds() uint32 {
	return uint32(time.Since(a.startedAt) / time.Second)
}

func (a *App) interval() time.Duration {
	return time.Duration(a.captureInterval.Load())
}

func (a *App) nextSeq() uint16 {
	return uint16(a.replySeq.Add(1))
}

// sleep waits d, returning false when ctx ended first.
func (a *App) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// powerAction invokes the OS-level reboot/poweroff after teardown.
// Swapped out in tests.
var powerAction = func(action string) error {
	var cmd *exec.Cmd
	switch action {
	case "reboot":
		cmd = exec.Command("sudo", "reboot")
	case "poweroff":
		cmd = exec.Command("sudo", "shutdown", "-h", "now")
	default:
		return fmt.Errorf("unknown power action %q", action)
	}
	return cmd.Run()
}

// linkHolder shares one link between the ingress worker that owns
// dialing it and the writers on other workers.
type linkHolder struct {
	endpoint string
	baud     int

	mu  sync.Mutex
	lnk link.Link
}

func newLinkHolder(endpoint string, baud int) *linkHolder {
	return &linkHolder{endpoint: endpoint, baud: baud}
}

func (h *linkHolder) get() (link.Link, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lnk, h.lnk != nil
}

func (h *linkHolder) set(l link.Link) {
	h.mu.Lock()
	h.lnk = l
	h.mu.Unlock()
}

func (h *linkHolder) closeAndClear() {
	h.mu.Lock()
	if h.lnk != nil {
		_ = h.lnk.Close()
		h.lnk = nil
	}
	h.mu.Unlock()
}

// groundWriter routes transmitter output to the current ground link,
// mirroring frames to the MQTT bridge when one is connected. With the
// radio down but the bridge up, the bridge carries the frame alone.
type groundWriter struct {
	a *App
}

var errGroundDown = errors.New("ground link down")

func (w groundWriter) Write(p []byte) (int, error) {
	bridged := false
	if w.a.bridge != nil && w.a.bridge.IsConnected() {
		if err := w.a.bridge.PublishDownlink(p); err != nil {
			w.a.logger.Debug("bridge downlink publish failed", "error", err)
		} else {
			bridged = true
		}
	}

	lnk, ok := w.a.ground.get()
	if !ok {
		if bridged {
			return len(p), nil
		}
		return 0, errGroundDown
	}
	return lnk.Write(p)
}

// pulse tracks worker liveness. Loops stamp their name every
// iteration; the health monitor flags entries gone stale.
type pulse struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newPulse() *pulse {
	return &pulse{seen: make(map[string]time.Time)}
}

func (p *pulse) beat(worker string) {
	p.mu.Lock()
	p.seen[worker] = time.Now()
	p.mu.Unlock()
}

func (p *pulse) stale(cutoff time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var names []string
	for name, last := range p.seen {
		if last.Before(cutoff) {
			names = append(names, name)
		}
	}
	return names
}
