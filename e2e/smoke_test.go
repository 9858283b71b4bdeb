//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/oliya09/CubeSat-1u/internal/protocol"
)

const repoRootRel = ".."   // relative to ./e2e
const mainPkgRel = "./cmd" // main.go lives in cmd/

// TestSmoke_FlightBoot runs the real binary against TCP link endpoints:
// it must dial both links, persist a telemetry frame from the mcu side,
// answer a ground ping, serve /healthz and exit cleanly on SIGTERM.
func TestSmoke_FlightBoot(t *testing.T) {
	repoRoot := repoRootPath(t)
	bin := buildBinary(t, repoRoot)

	mcuConnCh, mcuEndpoint := startLinkListener(t)
	groundConnCh, groundEndpoint := startLinkListener(t)
	metricsAddr := pickFreeAddr(t)
	storageDir := t.TempDir()

	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(),
		"APP_ENV=dev",
		"LOG_LEVEL=info",
		"MCU_PORT="+mcuEndpoint,
		"GROUND_PORT="+groundEndpoint,
		"LINK_POLL_TIMEOUT=50ms",
		"STORAGE_DIR="+storageDir,
		"METRICS_ADDR="+metricsAddr,
		"CAMERA_MODE=stub",
		"BEACON_INTERVAL=1s",
		"CHUNK_DELAY=5ms",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start flight binary: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	mcuConn := waitConn(t, mcuConnCh, 10*time.Second)
	defer mcuConn.Close()
	groundConn := waitConn(t, groundConnCh, 10*time.Second)
	defer groundConn.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	waitForHealthz(t, client, "http://"+metricsAddr+"/healthz", 10*time.Second)

	// Feed one telemetry frame; it must show up on the metrics endpoint.
	smp := &protocol.TelemetrySample{Sequence: 1, BatteryVoltage: 3.9}
	if _, err := mcuConn.Write(smp.Encode()); err != nil {
		t.Fatalf("write telemetry: %v", err)
	}

	// Ping over the ground console; a PONG command packet must come back.
	if _, err := groundConn.Write([]byte(`{"type":"PING","params":{}}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	waitForPong(t, groundConn, 15*time.Second)

	waitForMetric(t, client, "http://"+metricsAddr+"/metrics",
		`cubesat_packets_decoded_total{kind="telemetry"}`, 10*time.Second)

	stopFlight(t, cmd)
}

// TestSmoke_MQTTBeacon starts a mosquitto broker in a container and
// checks the binary publishes its beacon on the bridge topic.
func TestSmoke_MQTTBeacon(t *testing.T) {
	repoRoot := repoRootPath(t)
	bin := buildBinary(t, repoRoot)

	brokerHost, brokerPort := startMosquitto(t)

	_, mcuEndpoint := startLinkListener(t)
	_, groundEndpoint := startLinkListener(t)
	storageDir := t.TempDir()

	const clientID = "sat-e2e"

	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(),
		"APP_ENV=dev",
		"LOG_LEVEL=info",
		"MCU_PORT="+mcuEndpoint,
		"GROUND_PORT="+groundEndpoint,
		"LINK_POLL_TIMEOUT=50ms",
		"STORAGE_DIR="+storageDir,
		"CAMERA_MODE=stub",
		"BEACON_INTERVAL=1s",
		"MQTT_BROKER="+brokerHost,
		"MQTT_PORT="+brokerPort,
		"MQTT_CLIENT_ID="+clientID,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start flight binary: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	beacons := make(chan []byte, 4)
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + net.JoinHostPort(brokerHost, brokerPort)).
		SetClientID("e2e-ground")
	sub := mqtt.NewClient(opts)
	if token := sub.Connect(); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		t.Fatalf("mqtt connect: %v", token.Error())
	}
	defer sub.Disconnect(250)

	topic := "cubesat/" + clientID + "/beacon"
	token := sub.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case beacons <- msg.Payload():
		default:
		}
	})
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		t.Fatalf("subscribe %s: %v", topic, token.Error())
	}

	select {
	case payload := <-beacons:
		var status map[string]any
		if err := json.Unmarshal(payload, &status); err != nil {
			t.Fatalf("beacon payload %q: %v", payload, err)
		}
		if status["state"] != "NOMINAL" {
			t.Fatalf("beacon state = %v, want NOMINAL", status["state"])
		}
	case <-time.After(30 * time.Second):
		t.Fatal("no beacon arrived on the bridge topic")
	}

	stopFlight(t, cmd)
}

func startMosquitto(t *testing.T) (host, port string) {
	t.Helper()
	ctx := context.Background()

	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{"1883/tcp"},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort(nat.Port("1883/tcp")).WithStartupTimeout(60 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err = c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port("1883/tcp"))
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return host, mapped.Port()
}

// startLinkListener opens a TCP listener the flight binary can dial and
// forwards the accepted connection on a channel.
func startLinkListener(t *testing.T) (<-chan net.Conn, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			select {
			case conns <- conn:
			default:
				_ = conn.Close()
			}
		}
	}()
	return conns, "tcp:" + ln.Addr().String()
}

func waitConn(t *testing.T, conns <-chan net.Conn, timeout time.Duration) net.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		return conn
	case <-time.After(timeout):
		t.Fatal("flight binary never dialed the link")
		return nil
	}
}

func waitForPong(t *testing.T, conn net.Conn, timeout time.Duration) {
	t.Helper()

	dec := protocol.NewDecoder()
	buf := make([]byte, 512)
	deadline := time.Now().Add(timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("no pong before deadline: %v", err)
		}
		dec.Feed(buf[:n])
		for {
			pkt, err := dec.Next()
			if err != nil {
				continue
			}
			if pkt == nil {
				break
			}
			cp, ok := pkt.(*protocol.CommandPacket)
			if !ok {
				continue
			}
			var params map[string]any
			if err := json.Unmarshal(cp.Params, &params); err != nil {
				continue
			}
			if params["type"] == "PONG" {
				return
			}
		}
	}
}

func repoRootPath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	repo := filepath.Clean(filepath.Join(wd, repoRootRel))
	if _, err := os.Stat(filepath.Join(repo, "go.mod")); err != nil {
		t.Fatalf("repo root %q does not contain go.mod: %v", repo, err)
	}

	return repo
}

func buildBinary(t *testing.T, repoRoot string) string {
	t.Helper()

	tmp := t.TempDir()
	out := filepath.Join(tmp, "cubesat-flight")

	build := exec.Command("go", "build", "-o", out, mainPkgRel)
	build.Dir = repoRoot
	build.Env = os.Environ()

	b, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(b))
	}

	return out
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	defer ln.Close()

	return ln.Addr().String()
}

func waitForHealthz(t *testing.T, client *http.Client, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("flight binary not healthy after %s: %s", timeout, url)
}

// waitForMetric polls the metrics endpoint until the named series shows
// up. Labelled counters only exist after their first increment, so this
// also proves the event behind the counter happened.
func waitForMetric(t *testing.T, client *http.Client, url, series string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK && strings.Contains(string(body), series) {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("series %q never appeared at %s", series, url)
}

func stopFlight(t *testing.T, cmd *exec.Cmd) {
	t.Helper()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		t.Fatalf("flight binary did not exit in time")
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				t.Fatalf("flight binary exited non-zero: %v", err)
			}
			t.Fatalf("flight binary wait error: %v", err)
		}
	}
}
