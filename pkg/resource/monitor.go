package resource

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/droverhq/drover/pkg/log"
)

const sampleInterval = 30 * time.Second

// Snapshot is one point-in-time view of host headroom. Fractions are in
// [0, 1] where 1 means fully available.
type Snapshot struct {
	CPUAvailable float64   `json:"cpu_available"`
	MemAvailable float64   `json:"mem_available"`
	SampledAt    time.Time `json:"sampled_at"`
}

// sampler abstracts the host probes so tests can inject readings.
type sampler func() (cpuUsedFrac, memUsedFrac float64, err error)

// Monitor samples host CPU and memory on a fixed interval and answers
// admission questions for the dispatcher. Between samples it charges an
// estimated cost per running task so a burst of dispatches cannot outrun
// the 30-second sampling window.
type Monitor struct {
	mu       sync.RWMutex
	snapshot Snapshot
	running  map[string]taskCost

	sample sampler
	logger zerolog.Logger
	stopCh chan struct{}
	once   sync.Once
}

type taskCost struct {
	cpu float64
	mem float64
}

// Estimated per-task cost charged between samples. Deliberately coarse:
// the next real sample replaces the estimate.
const (
	estCPUPerTask = 0.05
	estMemPerTask = 0.02
)

// NewMonitor creates a monitor using the host probes.
func NewMonitor() *Monitor {
	return &Monitor{
		snapshot: Snapshot{CPUAvailable: 1, MemAvailable: 1, SampledAt: time.Now()},
		running:  make(map[string]taskCost),
		sample:   hostSample,
		logger:   log.WithComponent("resource"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sampling loop.
func (m *Monitor) Start() {
	m.sampleOnce()
	go m.run()
}

// Stop stops the sampling loop.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

func (m *Monitor) run() {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sampleOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) sampleOnce() {
	cpuUsed, memUsed, err := m.sample()
	if err != nil {
		// Keep the previous snapshot; a probe hiccup should not stall dispatch.
		m.logger.Warn().Err(err).Msg("host sample failed")
		return
	}

	m.mu.Lock()
	m.snapshot = Snapshot{
		CPUAvailable: clampFrac(1 - cpuUsed),
		MemAvailable: clampFrac(1 - memUsed),
		SampledAt:    time.Now(),
	}
	m.mu.Unlock()
}

func hostSample() (float64, float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	cpuUsed := 0.0
	if len(percents) > 0 {
		cpuUsed = percents[0] / 100
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return cpuUsed, vm.UsedPercent / 100, nil
}

// Snapshot returns the latest reading adjusted for tasks dispatched since.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.snapshot
	for _, c := range m.running {
		snap.CPUAvailable -= c.cpu
		snap.MemAvailable -= c.mem
	}
	snap.CPUAvailable = clampFrac(snap.CPUAvailable)
	snap.MemAvailable = clampFrac(snap.MemAvailable)
	return snap
}

// MarkTaskStart charges an estimated cost for a dispatched task until the
// next sample or its completion.
func (m *Monitor) MarkTaskStart(taskID string) {
	m.mu.Lock()
	m.running[taskID] = taskCost{cpu: estCPUPerTask, mem: estMemPerTask}
	m.mu.Unlock()
}

// MarkTaskEnd releases a task's estimated charge. Unknown ids are a no-op.
func (m *Monitor) MarkTaskEnd(taskID string) {
	m.mu.Lock()
	delete(m.running, taskID)
	m.mu.Unlock()
}

// Gate reports whether the host has at least the requested headroom.
// Zero requirements always pass.
func (m *Monitor) Gate(minCPU, minMem float64) bool {
	if minCPU <= 0 && minMem <= 0 {
		return true
	}
	snap := m.Snapshot()
	if minCPU > 0 && snap.CPUAvailable < minCPU {
		return false
	}
	if minMem > 0 && snap.MemAvailable < minMem {
		return false
	}
	return true
}

func clampFrac(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
