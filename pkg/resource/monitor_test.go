package resource

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testMonitor(cpuUsed, memUsed float64) *Monitor {
	m := NewMonitor()
	m.sample = func() (float64, float64, error) { return cpuUsed, memUsed, nil }
	m.sampleOnce()
	return m
}

func TestGate(t *testing.T) {
	tests := []struct {
		name           string
		cpuUsed        float64
		memUsed        float64
		minCPU, minMem float64
		want           bool
	}{
		{"no requirements always pass", 0.99, 0.99, 0, 0, true},
		{"enough headroom", 0.5, 0.5, 0.3, 0.3, true},
		{"cpu too tight", 0.9, 0.2, 0.3, 0, false},
		{"mem too tight", 0.2, 0.9, 0, 0.3, false},
		{"exact boundary passes", 0.7, 0.7, 0.3, 0.3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testMonitor(tt.cpuUsed, tt.memUsed)
			assert.Equal(t, tt.want, m.Gate(tt.minCPU, tt.minMem))
		})
	}
}

func TestRunningTasksChargeHeadroom(t *testing.T) {
	m := testMonitor(0.5, 0.5)

	assert.True(t, m.Gate(0.45, 0))

	// each running task charges an estimated cost until the next sample
	m.MarkTaskStart("task-1")
	m.MarkTaskStart("task-2")
	assert.False(t, m.Gate(0.45, 0))

	m.MarkTaskEnd("task-1")
	m.MarkTaskEnd("task-2")
	m.MarkTaskEnd("task-unknown")
	assert.True(t, m.Gate(0.45, 0))
}

func TestSampleFailureKeepsPreviousSnapshot(t *testing.T) {
	m := testMonitor(0.2, 0.2)
	before := m.Snapshot()

	m.sample = func() (float64, float64, error) { return 0, 0, errors.New("probe failed") }
	m.sampleOnce()

	after := m.Snapshot()
	assert.Equal(t, before.CPUAvailable, after.CPUAvailable)
	assert.Equal(t, before.MemAvailable, after.MemAvailable)
}

func TestSnapshotClamps(t *testing.T) {
	m := testMonitor(0.99, 0.99)
	for i := 0; i < 50; i++ {
		m.MarkTaskStart(string(rune('a' + i)))
	}
	snap := m.Snapshot()
	assert.GreaterOrEqual(t, snap.CPUAvailable, 0.0)
	assert.GreaterOrEqual(t, snap.MemAvailable, 0.0)
}
