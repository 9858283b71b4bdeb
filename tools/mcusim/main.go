// Command mcusim stands in for the sensor microcontroller during bench
// testing: it listens on a TCP port the flight software dials, streams
// synthetic telemetry frames and prints every command packet sent back.
//
//	LISTEN_ADDR=127.0.0.1:9100 INTERVAL=1s go run ./tools/mcusim
package main

import (
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"github.com/oliya09/CubeSat-1u/internal/protocol"
)

func main() {
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:9100"
	}
	interval := time.Second
	if v := os.Getenv("INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid INTERVAL %q: %v\n", v, err)
			os.Exit(1)
		}
		interval = d
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", addr, err)
		os.Exit(1)
	}
	fmt.Printf("sim: listening on %s, frame every %s\n", ln.Addr(), interval)
	fmt.Printf("sim: point the flight software at MCU_PORT=tcp:%s\n", ln.Addr())

	start := time.Now()
	var seq uint16

	for {
		conn, err := ln.Accept()
		if err != nil {
			fmt.Fprintf(os.Stderr, "accept: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("link: flight software connected from %s\n", conn.RemoteAddr())
		serve(conn, interval, start, &seq)
		fmt.Println("link: connection closed, waiting for redial")
	}
}

// serve streams frames until the connection drops, echoing decoded
// commands to stdout from a side goroutine.
func serve(conn net.Conn, interval time.Duration, start time.Time, seq *uint16) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		dec := protocol.NewDecoder()
		buf := make([]byte, 512)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			dec.Feed(buf[:n])
			for {
				pkt, err := dec.Next()
				if err != nil {
					fmt.Printf("cmd: undecodable frame: %v\n", err)
					continue
				}
				if pkt == nil {
					break
				}
				if cp, ok := pkt.(*protocol.CommandPacket); ok {
					fmt.Printf("cmd: id=0x%02X seq=%d params=%s\n", cp.ID, cp.Sequence, cp.Params)
				}
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			*seq++
			frame := sample(*seq, start).Encode()
			if _, err := conn.Write(frame); err != nil {
				fmt.Printf("link: write failed: %v\n", err)
				return
			}
			fmt.Printf("loop: seq=%d bytes=%d\n", *seq, len(frame))
		}
	}
}

// sample synthesizes a plausible drifting reading set.
func sample(seq uint16, start time.Time) *protocol.TelemetrySample {
	t := time.Since(start).Seconds()
	return &protocol.TelemetrySample{
		Sequence:       seq,
		MissionTime:    t,
		MagX:           float32(0.25 * math.Sin(t/30)),
		MagY:           float32(-0.18 * math.Cos(t/30)),
		MagZ:           0.45,
		CorrosionRaw:   512,
		RadiationCPS:   42,
		TemperatureBME: float32(23.5 + 4*math.Sin(t/120)),
		Pressure:       1013.25,
		Humidity:       float32(45.2 + 3*math.Cos(t/90)),
		TemperatureTMP: float32(24.1 + 4*math.Sin(t/120)),
		Latitude:       52.2297,
		Longitude:      21.0122,
		Altitude:       412.5,
		BatteryVoltage: 3.85 + 0.2*math.Sin(t/300),
		BatteryCurrent: 120,
		State:          protocol.StateNominal,
		Uptime:         uint32(t),
	}
}
