package command

import (
	"log/slog"
	"time"

	"github.com/oliya09/CubeSat-1u/internal/protocol"
)

// Actions is the flight-side surface commands execute against. The
// orchestrator implements it; tests substitute a recorder.
type Actions interface {
	// Pong enqueues a ping reply echoing the sequence number.
	Pong(seq uint16) error
	// SendLatestTelemetry enqueues the latest sample as a telemetry reply.
	SendLatestTelemetry(seq uint16) error
	// RequestCapture asks the capture scheduler for an on-demand capture.
	RequestCapture(quality int) error
	// SetMode transitions the commanded operating mode.
	SetMode(mode protocol.SystemState) error
	// ScheduleFile queues a file for chunked downlink.
	ScheduleFile(path string) error
	// SendStatus enqueues a status snapshot reply.
	SendStatus(seq uint16) error
	// SetCaptureInterval retunes the periodic capture timer.
	SetCaptureInterval(d time.Duration) error
	// EmitBeacon triggers an immediate beacon, off-cycle.
	EmitBeacon() error
	// Reboot tears the workers down and requests an OS reboot.
	Reboot() error
	// Shutdown tears the workers down and requests an OS power-off.
	Shutdown() error
	// Calibrate forwards a calibration request to the microcontroller.
	Calibrate(target string) error
	// DownlinkLogs exports recent events and queues them as a file.
	DownlinkLogs(count int) error
	// ClearLogs truncates the onboard event log.
	ClearLogs() error
}

func (Ping) apply(a Actions, seq uint16) error { return a.Pong(seq) }

func (GetTelemetry) apply(a Actions, seq uint16) error { return a.SendLatestTelemetry(seq) }

func (c CaptureImage) apply(a Actions, _ uint16) error { return a.RequestCapture(c.Quality) }

func (c SetMode) apply(a Actions, _ uint16) error { return a.SetMode(c.Mode) }

func (Reset) apply(a Actions, _ uint16) error { return a.Reboot() }

func (c TransmitFile) apply(a Actions, _ uint16) error { return a.ScheduleFile(c.Path) }

func (GetStatus) apply(a Actions, seq uint16) error { return a.SendStatus(seq) }

func (c SetSchedule) apply(a Actions, _ uint16) error { return a.SetCaptureInterval(c.Interval) }

func (SendBeacon) apply(a Actions, _ uint16) error { return a.EmitBeacon() }

func (Reboot) apply(a Actions, _ uint16) error { return a.Reboot() }

func (Shutdown) apply(a Actions, _ uint16) error { return a.Shutdown() }

func (c Calibrate) apply(a Actions, _ uint16) error { return a.Calibrate(c.Target) }

func (c GetLogs) apply(a Actions, _ uint16) error { return a.DownlinkLogs(c.Count) }

func (ClearLogs) apply(a Actions, _ uint16) error { return a.ClearLogs() }

// Dispatcher executes decoded commands. A failing action is the command's
// problem, never the dispatcher's: the error is logged and the loop moves
// on.
type Dispatcher struct {
	actions Actions
	logger  *slog.Logger
}

func NewDispatcher(actions Actions, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{actions: actions, logger: logger}
}

// Dispatch applies the command's operation and reports whether it
// succeeded.
func (d *Dispatcher) Dispatch(cmd Command) error {
	d.logger.Info("command", "id", cmd.ID.String(), "seq", cmd.Sequence)
	if err := cmd.Op.apply(d.actions, cmd.Sequence); err != nil {
		d.logger.Error("command failed", "id", cmd.ID.String(), "seq", cmd.Sequence, "error", err)
		return err
	}
	return nil
}
