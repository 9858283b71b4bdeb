package downlink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/oliya09/CubeSat-1u/internal/protocol"
)

// Transmitter writes scheduled items to the ground link. Inline payloads go
// out in one write; file-backed payloads are split into fixed-size chunks,
// each framed with its own number/length header and paced by a fixed delay
// so the radio's buffer is never overrun.
type Transmitter struct {
	w         io.Writer
	chunkSize int
	delay     time.Duration
	logger    *slog.Logger
}

func NewTransmitter(w io.Writer, chunkSize int, delay time.Duration, logger *slog.Logger) *Transmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transmitter{w: w, chunkSize: chunkSize, delay: delay, logger: logger}
}

// Transmit sends the item and returns the number of bytes written. For
// chunked items the cursor advances as chunks are acknowledged by the
// writer, so a failed attempt resumes where it stopped. There is no
// per-chunk acknowledgement from the ground; a chunk lost in flight shows
// up only as a gap in ground-side reassembly.
func (t *Transmitter) Transmit(ctx context.Context, it *Item) (int, error) {
	if it.Path == "" {
		n, err := t.w.Write(it.Payload)
		if err != nil {
			return n, fmt.Errorf("write %s: %w", it.Kind, err)
		}
		return n, nil
	}
	return t.transmitChunked(ctx, it)
}

func (t *Transmitter) transmitChunked(ctx context.Context, it *Item) (int, error) {
	data, err := os.ReadFile(it.Path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", it.Path, err)
	}

	total := (len(data) + t.chunkSize - 1) / t.chunkSize
	if total > 0xFFFF {
		return 0, fmt.Errorf("%s: %d chunks exceed the 16-bit chunk counter", it.Path, total)
	}

	kind := protocol.ChunkImage
	if it.Kind == KindFile {
		kind = protocol.ChunkFile
	}

	t.logger.Debug("chunked transfer",
		"path", it.Path, "bytes", len(data), "chunks", total, "from", it.Cursor)

	sent := 0
	for i := it.Cursor; i < total; i++ {
		start := i * t.chunkSize
		end := min(start+t.chunkSize, len(data))
		frame, err := (&protocol.Chunk{Kind: kind, Number: uint16(i), Data: data[start:end]}).Encode()
		if err != nil {
			return sent, fmt.Errorf("frame chunk %d: %w", i, err)
		}
		n, err := t.w.Write(frame)
		sent += n
		if err != nil {
			return sent, fmt.Errorf("write chunk %d/%d of %s: %w", i, total, it.Path, err)
		}
		it.Cursor = i + 1

		if i+1 < total {
			if err := sleepCtx(ctx, t.delay); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
