// Package health reads platform vitals: free disk space under the
// storage tree and the SoC temperature from the kernel thermal zone.
package health

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// DefaultThermalZone is where the Pi kernel exposes the SoC
// temperature in millidegrees.
const DefaultThermalZone = "/sys/class/thermal/thermal_zone0/temp"

// FreeSpaceGB reports the unprivileged free space, in GiB, of the
// filesystem holding path.
func FreeSpaceGB(path string) (float64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return float64(st.Bavail) * float64(st.Bsize) / (1 << 30), nil
}

// ReadTemperature parses a thermal zone file into degrees Celsius.
// Not every platform exposes one; callers treat failure as a missing
// sensor, not a fault.
func ReadTemperature(zonePath string) (float64, error) {
	raw, err := os.ReadFile(zonePath)
	if err != nil {
		return 0, fmt.Errorf("read thermal zone: %w", err)
	}

	text := strings.TrimSpace(string(raw))
	milli, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("parse thermal zone value %q: %w", text, err)
	}
	return float64(milli) / 1000, nil
}
