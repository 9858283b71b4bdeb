// Package link provides the byte transports the flight software talks
// over: a UART to the sensor microcontroller, a radio UART (or TCP
// socket) to the ground station, an in-memory loopback for tests, and
// an optional MQTT bridge mirroring traffic to a ground broker.
package link

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Link is a byte stream to a peer device.
//
// Read returns (0, nil) when no data arrived within the configured poll
// timeout, so callers can re-check their context between polls instead
// of blocking forever on a quiet line.
type Link interface {
	io.ReadWriteCloser

	// Endpoint returns the endpoint string the link was opened with.
	Endpoint() string
}

// Dial opens a link for an endpoint string.
//
//	tcp:host:port  TCP client connection
//	mem:name       in-process loopback (second Dial gets the peer end)
//	anything else  serial device path, opened at baud
func Dial(endpoint string, baud int, poll time.Duration) (Link, error) {
	switch {
	case strings.HasPrefix(endpoint, "tcp:"):
		return dialTCP(endpoint, strings.TrimPrefix(endpoint, "tcp:"), poll)
	case strings.HasPrefix(endpoint, "mem:"):
		return dialMem(endpoint, poll)
	case endpoint == "":
		return nil, fmt.Errorf("empty link endpoint")
	default:
		return dialSerial(endpoint, baud, poll)
	}
}
