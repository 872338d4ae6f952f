package core

import (
	"runtime"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/cpu"
)

var (
	hostOnce   sync.Once
	hostCPU    string
	hostLogCPU int
)

func loadHost() {
	hostLogCPU = runtime.NumCPU()
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		hostLogCPU = n
	}

	hostCPU = runtime.GOARCH
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		if name := strings.TrimSpace(infos[0].ModelName); name != "" {
			hostCPU = name
		}
	}
}

// HostCPU describes the processor test results were measured on
func HostCPU() string {
	hostOnce.Do(loadHost)
	return hostCPU
}

// LogicalCores returns the number of logical cores on the host
func LogicalCores() int {
	hostOnce.Do(loadHost)
	return hostLogCPU
}

// DefaultWorkers is half the logical cores, leaving headroom for other
// builds and the serving path. Never less than one.
func DefaultWorkers() int {
	if n := LogicalCores() / 2; n > 0 {
		return n
	}
	return 1
}
