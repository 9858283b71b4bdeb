package link

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

type serialLink struct {
	port     serial.Port
	endpoint string
}

func dialSerial(device string, baud int, poll time.Duration) (Link, error) {
	mode := &serial.Mode{BaudRate: baud}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}

	// The driver returns (0, nil) when the timeout elapses with no
	// data, which is exactly the Link read contract.
	if err := port.SetReadTimeout(poll); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", device, err)
	}

	return &serialLink{port: port, endpoint: device}, nil
}

func (s *serialLink) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *serialLink) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *serialLink) Close() error                { return s.port.Close() }
func (s *serialLink) Endpoint() string            { return s.endpoint }
