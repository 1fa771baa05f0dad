package pool

import (
	"os"
	"strconv"
	"strings"

	"github.com/bifrosthq/bifrost/internal/pkg/metrics"
	"github.com/rs/zerolog/log"
)

const defaultMeminfoPath = "/proc/meminfo"

// MemoryGate refuses new worker processes when the host runs low on memory,
// so a deep queue cannot fork the machine into an OOM spiral. Hosts without
// /proc/meminfo report unknown and admit.
type MemoryGate struct {
	thresholdMB int
	path        string
}

func NewMemoryGate(thresholdMB int) *MemoryGate {
	if thresholdMB <= 0 {
		thresholdMB = 300
	}
	return &MemoryGate{thresholdMB: thresholdMB, path: defaultMeminfoPath}
}

// AvailableMB reads MemAvailable from the meminfo file. ok is false when
// the value cannot be determined.
func (g *MemoryGate) AvailableMB() (int, bool) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return 0, false
	}
	return parseMemAvailable(data)
}

// Admit reports whether a new worker may be forked right now.
func (g *MemoryGate) Admit() bool {
	available, ok := g.AvailableMB()
	if !ok {
		return true
	}
	if available < g.thresholdMB {
		log.Warn().
			Int("available_mb", available).
			Int("threshold_mb", g.thresholdMB).
			Msg("Memory gate denied worker spawn")
		metrics.MemoryGateDenialsTotal.Inc()
		return false
	}
	return true
}

// parseMemAvailable extracts the MemAvailable row, which the kernel reports
// in KiB.
func parseMemAvailable(data []byte) (int, bool) {
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, false
		}
		return kb / 1024, true
	}
	return 0, false
}
