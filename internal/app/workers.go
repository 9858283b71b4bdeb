package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oliya09/CubeSat-1u/internal/camera"
	"github.com/oliya09/CubeSat-1u/internal/command"
	"github.com/oliya09/CubeSat-1u/internal/downlink"
	"github.com/oliya09/CubeSat-1u/internal/health"
	"github.com/oliya09/CubeSat-1u/internal/hexutil"
	"github.com/oliya09/CubeSat-1u/internal/link"
	"github.com/oliya09/CubeSat-1u/internal/protocol"
	"github.com/oliya09/CubeSat-1u/internal/status"
)

// Power and thermal envelope. The values match the microcontroller's own
// watchdog thresholds so both sides agree on when to degrade.
const (
	batteryCriticalVolts = 3.4
	batteryNominalVolts  = 3.7
	boardTempMaxC        = 70.0
	boardTempMinC        = -20.0
	cpuTempWarnC         = 70.0
)

type worker struct {
	name string
	body func(ctx context.Context)
}

func (a *App) workers() []worker {
	return []worker{
		{"mcu-ingress", a.mcuIngressWorker},
		{"ground-ingress", a.groundIngressWorker},
		{"mcu-writer", a.mcuWriterWorker},
		{"dispatcher", a.dispatcherWorker},
		{"capture", a.captureWorker},
		{"pipeline", a.pipelineWorker},
		{"telemetry-logger", a.telemetryLoggerWorker},
		{"health-monitor", a.healthMonitorWorker},
		{"downlink", a.downlinkWorker},
		{"status", a.statusWorker},
	}
}

// runWorker keeps one worker alive until shutdown. A panic in the body is
// logged and the loop re-enters after a short backoff; one misbehaving
// worker must never take the flight process down.
func (a *App) runWorker(ctx context.Context, w worker) {
	for {
		if a.step(ctx, w) {
			return
		}
	}
}

func (a *App) step(ctx context.Context, w worker) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("worker panicked, restarting",
				"worker", w.name, "panic", r, "stack", string(debug.Stack()))
			a.sleep(ctx, time.Second)
		}
	}()
	w.body(ctx)
	return true
}

func (a *App) mcuIngressWorker(ctx context.Context) {
	a.ingest(ctx, "mcu-ingress", a.mcu, false)
}

func (a *App) groundIngressWorker(ctx context.Context) {
	a.ingest(ctx, "ground-ingress", a.ground, true)
}

// ingest owns a link end to end: dialing, reading, redialing after
// failures, and feeding the byte stream through the frame decoder. With
// textUplink set, a read that starts a fresh buffer with '{' is handed
// over as one JSON console line instead of entering the decoder.
func (a *App) ingest(ctx context.Context, name string, holder *linkHolder, textUplink bool) {
	dec := protocol.NewDecoder()
	buf := make([]byte, 512)
	var skipped uint64

	for {
		if ctx.Err() != nil {
			return
		}
		a.pulse.beat(name)

		lnk, ok := holder.get()
		if !ok {
			l, err := link.Dial(holder.endpoint, holder.baud, a.cfg.LinkPollTimeout)
			if err != nil {
				a.logger.Warn("link unavailable, retrying",
					"worker", name, "endpoint", holder.endpoint, "error", err)
				if !a.sleep(ctx, redialInterval) {
					return
				}
				continue
			}
			holder.set(l)
			a.logger.Info("link up", "worker", name, "endpoint", l.Endpoint())
			lnk = l
		}

		n, err := lnk.Read(buf)
		if err != nil {
			a.logger.Warn("link read failed, redialing",
				"worker", name, "endpoint", holder.endpoint, "error", err)
			holder.closeAndClear()
			if !a.sleep(ctx, redialInterval) {
				return
			}
			continue
		}
		if n == 0 {
			// Poll timeout on a quiet link.
			continue
		}

		chunk := buf[:n]
		if textUplink && dec.Buffered() == 0 && chunk[0] == '{' {
			line := make([]byte, n)
			copy(line, chunk)
			a.handleUplinkLine(line)
			continue
		}

		dec.Feed(chunk)
		a.drainDecoder(ctx, name, dec, &skipped)
	}
}

// drainDecoder pulls every complete frame out of the decoder, routing
// packets and counting what the resync scan discarded.
func (a *App) drainDecoder(ctx context.Context, name string, dec *protocol.Decoder, skipped *uint64) {
	for {
		pkt, err := dec.Next()
		if err != nil {
			reason := "malformed"
			if errors.Is(err, protocol.ErrChecksum) {
				reason = "checksum"
			}
			a.m.DecodeErrors.WithLabelValues(reason).Inc()
			a.logger.Debug("frame dropped", "worker", name, "error", err)
			continue
		}
		if pkt == nil {
			break
		}
		a.routePacket(ctx, name, pkt)
	}

	if s := dec.Skipped(); s > *skipped {
		a.m.ResyncBytes.Add(float64(s - *skipped))
		*skipped = s
	}
}

func (a *App) routePacket(ctx context.Context, name string, pkt protocol.Packet) {
	switch p := pkt.(type) {
	case *protocol.TelemetrySample:
		a.m.PacketsDecoded.WithLabelValues("telemetry").Inc()
		a.noteTelemetrySeq(name, p.Sequence)
		a.offerSample(ctx, p)
	case *protocol.CommandPacket:
		a.m.PacketsDecoded.WithLabelValues("command").Inc()
		cmd, err := command.Parse(p)
		if err != nil {
			a.logger.Warn("command rejected",
				"worker", name, "id", fmt.Sprintf("0x%02X", p.ID), "error", err)
			return
		}
		a.offerCommand(ctx, cmd)
	case *protocol.Chunk:
		// Chunks travel downstream only; an inbound one is noise.
		a.m.PacketsDecoded.WithLabelValues("chunk").Inc()
		a.logger.Debug("inbound chunk ignored",
			"worker", name, "number", p.Number, "data", hexutil.Preview(p.Data, 8))
	case *protocol.Beacon:
		a.m.PacketsDecoded.WithLabelValues("beacon").Inc()
		a.logger.Debug("inbound beacon ignored", "worker", name)
	}
}

// noteTelemetrySeq flags sequence jumps on a link. Sequences are
// non-decreasing per source, so a jump past the next number means
// frames were lost in transit, not reordered.
func (a *App) noteTelemetrySeq(name string, seq uint16) {
	a.seqMu.Lock()
	last, seen := a.lastSeq[name]
	a.lastSeq[name] = seq
	a.seqMu.Unlock()

	if !seen || seq == last {
		return
	}
	if lost := seq - last - 1; lost > 0 {
		a.logger.Warn("telemetry sequence gap",
			"worker", name, "last", last, "seq", seq, "lost", lost)
	}
}

func (a *App) offerSample(ctx context.Context, s *protocol.TelemetrySample) {
	timer := time.NewTimer(a.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case a.telemetryCh <- s:
	case <-timer.C:
		a.logger.Error("telemetry queue full, sample dropped", "seq", s.Sequence)
	case <-ctx.Done():
	}
}

func (a *App) offerCommand(ctx context.Context, cmd command.Command) {
	timer := time.NewTimer(a.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case a.commandCh <- cmd:
	case <-timer.C:
		a.logger.Error("command queue full, command dropped",
			"id", cmd.ID.String(), "seq", cmd.Sequence)
	case <-ctx.Done():
	}
}

func (a *App) offerShot(ctx context.Context, job pipelineJob) {
	timer := time.NewTimer(a.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case a.shotCh <- job:
	case <-timer.C:
		a.logger.Error("pipeline queue full, shot dropped", "id", job.Shot.ID)
	case <-ctx.Done():
	}
}

// mcuWriterWorker drains the outbound microcontroller queue. Commands
// are best-effort; with the link down they are dropped, not held.
func (a *App) mcuWriterWorker(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pulse.beat("mcu-writer")
		case frame := <-a.mcuTxCh:
			a.pulse.beat("mcu-writer")
			lnk, ok := a.mcu.get()
			if !ok {
				a.logger.Warn("mcu link down, command dropped", "bytes", len(frame))
				continue
			}
			if _, err := lnk.Write(frame); err != nil {
				a.logger.Warn("mcu write failed", "error", err)
			}
		}
	}
}

func (a *App) dispatcherWorker(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pulse.beat("dispatcher")
		case cmd := <-a.commandCh:
			a.pulse.beat("dispatcher")
			a.m.CommandsHandled.WithLabelValues(cmd.ID.String()).Inc()
			// Failures are logged by the dispatcher itself.
			_ = a.dispatcher.Dispatch(cmd)
		}
	}
}

type pipelineJob struct {
	Shot    camera.Shot
	Quality int
}

// captureWorker runs the periodic capture schedule and executes the
// requests the gate admits. The schedule timer re-arms from the atomic
// interval so SET_SCHEDULE takes effect on the next cycle.
func (a *App) captureWorker(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	schedule := time.NewTimer(a.interval())
	defer schedule.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pulse.beat("capture")
		case <-schedule.C:
			a.pulse.beat("capture")
			a.gate.request(captureRequest{Quality: a.cfg.CameraQuality, Origin: "schedule"})
			schedule.Reset(a.interval())
		case req := <-a.captureCh:
			a.pulse.beat("capture")
			a.runCapture(ctx, req)
		}
	}
}

func (a *App) runCapture(ctx context.Context, req captureRequest) {
	defer a.gate.done()

	restore := a.machine.beginTransient(protocol.StateImageCapture)
	defer restore()

	stop := a.keepBeating(ctx, "capture")
	shot, err := a.cam.Capture(ctx)
	stop()
	if err != nil {
		a.m.CaptureFailures.Inc()
		a.logger.Error("capture failed", "origin", req.Origin, "error", err)
		return
	}
	a.m.Captures.Inc()
	a.logger.Info("image captured", "id", shot.ID, "origin", req.Origin, "path", shot.RawPath)

	a.offerShot(ctx, pipelineJob{Shot: shot, Quality: req.Quality})
}

func (a *App) pipelineWorker(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pulse.beat("pipeline")
		case job := <-a.shotCh:
			a.pulse.beat("pipeline")
			a.processShot(ctx, job)
		}
	}
}

// processShot derives the downlink artifacts for a raw capture: the
// compressed frame, then the thumbnail. Each lands on the downlink queue
// at its kind's priority.
func (a *App) processShot(ctx context.Context, job pipelineJob) {
	stop := a.keepBeating(ctx, "pipeline")
	defer stop()

	quality := job.Quality
	if quality <= 0 {
		quality = a.cfg.CameraQuality
	}

	compressed, err := a.cam.Compress(ctx, job.Shot, quality)
	if err != nil {
		a.logger.Error("compression failed", "id", job.Shot.ID, "error", err)
		return
	}
	a.enqueueDownlink(downlink.NewFileItem(downlink.KindImage, compressed))

	thumb, err := a.cam.Thumbnail(ctx, job.Shot)
	if err != nil {
		a.logger.Error("thumbnail failed", "id", job.Shot.ID, "error", err)
		return
	}
	a.enqueueDownlink(downlink.NewFileItem(downlink.KindThumbnail, thumb))
}

func (a *App) enqueueDownlink(it *downlink.Item) {
	if err := a.queue.Push(context.Background(), it); err != nil {
		a.logger.Error("downlink enqueue failed",
			"kind", it.Kind.String(), "name", it.Name, "error", err)
	}
}

func (a *App) telemetryLoggerWorker(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pulse.beat("telemetry-logger")
		case s := <-a.telemetryCh:
			a.pulse.beat("telemetry-logger")
			a.persistSample(s)
		}
	}
}

// persistSample writes one sample, retrying once on a transient failure
// before giving the frame up.
func (a *App) persistSample(s *protocol.TelemetrySample) {
	err := a.store.Save(s)
	if err == nil {
		return
	}
	a.logger.Warn("telemetry save failed, retrying", "seq", s.Sequence, "error", err)
	if err := a.store.Save(s); err != nil {
		a.logger.Error("telemetry sample dropped after retry", "seq", s.Sequence, "error", err)
	}
}

func (a *App) healthMonitorWorker(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	check := time.NewTicker(a.cfg.HealthInterval)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pulse.beat("health-monitor")
		case <-check.C:
			a.pulse.beat("health-monitor")
			a.checkHealth()
		}
	}
}

func (a *App) checkHealth() {
	a.checkStorage()
	a.checkTemperature()
	a.checkPowerEnvelope()
	a.checkWorkerLiveness()

	a.m.QueueDepth.WithLabelValues("downlink").Set(float64(a.queue.Len()))
	a.m.QueueDepth.WithLabelValues("telemetry").Set(float64(len(a.telemetryCh)))
	a.m.QueueDepth.WithLabelValues("command").Set(float64(len(a.commandCh)))
}

func (a *App) checkStorage() {
	free, err := health.FreeSpaceGB(a.cfg.StorageDir)
	if err != nil {
		a.logger.Warn("free space probe failed", "error", err)
		return
	}
	a.m.FreeSpace.Set(free)
	if free >= a.cfg.MinFreeSpaceGB {
		return
	}
	a.logger.Warn("storage low, cleaning up", "freeGB", free, "minGB", a.cfg.MinFreeSpaceGB)
	a.cleanupStorage()
}

// cleanupStorage reclaims space the same way every pass: expired
// telemetry rows first, then the oldest fifth of the raw captures.
// Compressed frames and thumbnails stay; they are what gets downlinked.
func (a *App) cleanupStorage() {
	rows, err := a.store.Cleanup(a.cfg.RetentionDays)
	if err != nil {
		a.logger.Error("telemetry cleanup failed", "error", err)
	} else if rows > 0 {
		a.logger.Info("telemetry cleanup", "rows", rows, "retentionDays", a.cfg.RetentionDays)
	}

	count, err := a.tree.CountRaw()
	if err != nil {
		a.logger.Error("raw image count failed", "error", err)
		return
	}
	if count == 0 {
		return
	}
	n := count / 5
	if n < 1 {
		n = 1
	}
	removed, err := a.tree.PruneOldestRaw(n)
	if err != nil {
		a.logger.Error("raw image prune failed", "error", err)
		return
	}
	a.logger.Info("raw images pruned", "removed", removed, "kept", count-removed)
}

func (a *App) checkTemperature() {
	temp, err := health.ReadTemperature(a.thermalZone)
	if err != nil {
		a.logger.Debug("cpu temperature unavailable", "error", err)
		return
	}
	a.m.CPUTemperature.Set(temp)
	if temp > cpuTempWarnC {
		a.logger.Warn("cpu temperature high", "tempC", temp)
	}
}

// checkPowerEnvelope degrades the mode on a critical battery or board
// temperature reading and recovers once the battery is back at nominal.
// Only transitions this monitor caused are reverted automatically; a
// commanded SAFE holds until commanded out.
func (a *App) checkPowerEnvelope() {
	sample, ok := a.store.Latest()
	if !ok {
		return
	}

	current := a.machine.current()
	switch {
	case sample.BatteryVoltage > 0 && sample.BatteryVoltage < batteryCriticalVolts:
		if current == protocol.StateNominal {
			reason := fmt.Sprintf("battery %.2fV", sample.BatteryVoltage)
			if err := a.machine.set(protocol.StateLowPower, reason); err == nil {
				a.healthDegraded.Store(true)
			}
		}
	case sample.TemperatureBME > boardTempMaxC || sample.TemperatureBME < boardTempMinC:
		if current == protocol.StateNominal {
			reason := fmt.Sprintf("board temperature %.1fC", sample.TemperatureBME)
			if err := a.machine.set(protocol.StateSafe, reason); err == nil {
				a.healthDegraded.Store(true)
			}
		}
	case sample.BatteryVoltage >= batteryNominalVolts:
		if !a.healthDegraded.Load() {
			return
		}
		if current != protocol.StateLowPower && current != protocol.StateSafe {
			return
		}
		reason := fmt.Sprintf("battery recovered %.2fV", sample.BatteryVoltage)
		if err := a.machine.set(protocol.StateNominal, reason); err == nil {
			a.healthDegraded.Store(false)
		}
	}
}

func (a *App) checkWorkerLiveness() {
	cutoff := time.Now().Add(-2 * a.cfg.HealthInterval)
	for _, name := range a.pulse.stale(cutoff) {
		a.logger.Error("worker unresponsive", "worker", name)
		a.m.WorkerUp.WithLabelValues(name).Set(0)
		if err := a.store.LogEvent("fatal", "health", "worker "+name+" unresponsive"); err != nil {
			a.logger.Error("event log failed", "error", err)
		}
	}
}

// downlinkWorker drains the priority queue one item per tick and emits
// the beacon on its own cadence, independent of queue pressure.
func (a *App) downlinkWorker(ctx context.Context) {
	ticker := time.NewTicker(downlinkTick)
	defer ticker.Stop()
	beacon := time.NewTicker(a.cfg.BeaconInterval)
	defer beacon.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pulse.beat("downlink")
			if it, ok := a.queue.TryPop(); ok {
				a.transmitItem(ctx, it)
			}
		case <-beacon.C:
			a.pulse.beat("downlink")
			a.emitBeacon()
		}
	}
}

func (a *App) transmitItem(ctx context.Context, it *downlink.Item) {
	if it.Kind == downlink.KindImage || it.Kind == downlink.KindThumbnail || it.Kind == downlink.KindFile {
		restore := a.machine.beginTransient(protocol.StateDataTx)
		defer restore()
	}

	stop := a.keepBeating(ctx, "downlink")
	n, err := a.tx.Transmit(ctx, it)
	stop()

	a.m.DownlinkBytes.Add(float64(n))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		it.Attempts++
		if it.Attempts >= maxTransmitAttempts {
			a.logger.Error("downlink abandoned",
				"kind", it.Kind.String(), "name", it.Name, "attempts", it.Attempts, "error", err)
			return
		}
		a.m.DownlinkRetries.Inc()
		a.logger.Warn("downlink failed, requeueing",
			"kind", it.Kind.String(), "name", it.Name, "attempt", it.Attempts, "error", err)
		a.enqueueDownlink(it)
		return
	}

	a.m.DownlinkItems.WithLabelValues(it.Kind.String()).Inc()
	a.logger.Info("downlink complete", "kind", it.Kind.String(), "name", it.Name, "bytes", n)
}

// emitBeacon broadcasts the fixed status frame on the ground link and, in
// parallel, a JSON rendition over the MQTT bridge when one is connected.
func (a *App) emitBeacon() {
	now := time.Now()
	state := a.machine.current()

	var battery float64
	if sample, ok := a.store.Latest(); ok {
		battery = sample.BatteryVoltage
	}

	b := protocol.Beacon{
		Timestamp:         uint32(now.Unix()),
		State:             state,
		Uptime:            a.uptimeSeconds(),
		BatteryMillivolts: uint16(battery*1000 + 0.5),
		Backlog:           saturate8(a.queue.Len()),
	}

	if lnk, ok := a.ground.get(); ok {
		if _, err := lnk.Write(b.Encode()); err != nil {
			a.logger.Warn("beacon write failed", "error", err)
		}
	} else {
		a.logger.Debug("ground link down, beacon skipped")
	}

	if a.bridge != nil && a.bridge.IsConnected() {
		err := a.bridge.PublishBeacon(link.BeaconStatus{
			Time:     now.UTC(),
			State:    state.String(),
			UptimeS:  a.uptimeSeconds(),
			BatteryV: battery,
			Backlog:  a.queue.Len(),
		})
		if err != nil {
			a.logger.Debug("beacon publish failed", "error", err)
		}
	}
	a.logger.Debug("beacon sent", "state", state.String(), "backlog", b.Backlog)
}

func (a *App) statusWorker(ctx context.Context) {
	stop := a.keepBeating(ctx, "status")
	defer stop()

	blinker := status.NewBlinker(status.LogSink{Logger: a.logger}, a.machine.current)
	blinker.Run(ctx)
}

// keepBeating stamps the worker's pulse from a side goroutine while a
// long call (a capture, a chunked transfer) holds the loop.
func (a *App) keepBeating(ctx context.Context, name string) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.pulse.beat(name)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func saturate8(n int) uint8 {
	if n > 255 {
		return 255
	}
	if n < 0 {
		return 0
	}
	return uint8(n)
}
