package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DeviceStat is one device's live utilization snapshot.
type DeviceStat struct {
	Index       int `json:"index"`
	UtilPct     int `json:"utilization_pct"`
	MemUsedMiB  int `json:"memory_used_mib"`
	MemTotalMiB int `json:"memory_total_mib"`
}

// MemFreeMiB returns the unreserved device memory.
func (d DeviceStat) MemFreeMiB() int { return d.MemTotalMiB - d.MemUsedMiB }

// Prober reports live device stats. The health endpoint and the arbiter's
// memory gate both consume it.
type Prober interface {
	Probe(ctx context.Context) ([]DeviceStat, error)
}

// SMIProber shells out to nvidia-smi.
type SMIProber struct {
	bin string
}

// NewSMIProber probes with the nvidia-smi on PATH.
func NewSMIProber() *SMIProber {
	return &SMIProber{bin: "nvidia-smi"}
}

func (p *SMIProber) Probe(ctx context.Context) ([]DeviceStat, error) {
	out, err := exec.CommandContext(ctx, p.bin,
		"--query-gpu=utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseSMI(out)
}

func parseSMI(out []byte) ([]DeviceStat, error) {
	var stats []DeviceStat
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected nvidia-smi line: %q", line)
		}
		vals := make([]int, 3)
		for i, f := range fields {
			n, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return nil, fmt.Errorf("parse nvidia-smi field %q: %w", f, err)
			}
			vals[i] = n
		}
		stats = append(stats, DeviceStat{
			Index:       len(stats),
			UtilPct:     vals[0],
			MemUsedMiB:  vals[1],
			MemTotalMiB: vals[2],
		})
	}
	return stats, nil
}

// StaticProber returns fixed stats, for tests and GPU-less deployments.
type StaticProber []DeviceStat

func (p StaticProber) Probe(context.Context) ([]DeviceStat, error) {
	return []DeviceStat(p), nil
}
