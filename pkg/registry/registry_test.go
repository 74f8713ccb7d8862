package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/types"
)

func testInstance(id, kind, tenant string, max int, kinds ...types.TaskKind) *types.WorkerInstance {
	return &types.WorkerInstance{
		ID:          id,
		Kind:        kind,
		TenantID:    tenant,
		MaxCapacity: max,
		Capability: &types.WorkerCapability{
			WorkerKind:     kind,
			TaskKinds:      kinds,
			MaxConcurrency: max,
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New(Config{})

	tests := []struct {
		name    string
		inst    *types.WorkerInstance
		wantErr bool
	}{
		{
			name:    "valid",
			inst:    testInstance("wi-1", "integration_agent", "acme", 3, types.TaskKindEvidenceCollection),
			wantErr: false,
		},
		{
			name:    "missing id",
			inst:    testInstance("", "integration_agent", "acme", 3),
			wantErr: true,
		},
		{
			name:    "missing kind",
			inst:    testInstance("wi-2", "", "acme", 3),
			wantErr: true,
		},
		{
			// Unprefixed ids parse as worker-kind recipients on the wire,
			// so task requests addressed to them would never arrive.
			name:    "id without instance prefix",
			inst:    testInstance("collector-1", "integration_agent", "acme", 3, types.TaskKindEvidenceCollection),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.inst)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegisterDefaultsCapacityFromCapability(t *testing.T) {
	r := New(Config{})

	inst := testInstance("wi-1", "scanner_agent", "acme", 0, types.TaskKindSecurityScan)
	inst.Capability.MaxConcurrency = 4
	require.NoError(t, r.Register(inst))

	got, ok := r.Get("wi-1")
	require.True(t, ok)
	assert.Equal(t, 4, got.MaxCapacity)
	assert.Equal(t, types.HealthHealthy, got.Health)
	assert.True(t, got.Active)
	assert.Equal(t, 1.0, got.SuccessRate)
}

func TestAcquireReleaseKeepsCapacityBounded(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.Register(testInstance("wi-1", "scanner_agent", "acme", 2, types.TaskKindSecurityScan)))

	require.NoError(t, r.Acquire("wi-1", "task-1"))
	require.NoError(t, r.Acquire("wi-1", "task-2"))
	assert.Error(t, r.Acquire("wi-1", "task-3"), "saturated worker must reject acquisition")

	r.Release("wi-1", "task-1")
	// releasing an unknown task is a no-op
	r.Release("wi-1", "task-1")

	got, _ := r.Get("wi-1")
	assert.Equal(t, 1, got.UsedCapacity)
	assert.Equal(t, []string{"task-2"}, got.CurrentTasks)
}

func TestCandidatesFiltering(t *testing.T) {
	r := New(Config{})

	require.NoError(t, r.Register(testInstance("wi-scan", "scanner_agent", "acme", 2, types.TaskKindSecurityScan)))
	require.NoError(t, r.Register(testInstance("wi-evid", "integration_agent", "acme", 2, types.TaskKindEvidenceCollection)))
	require.NoError(t, r.Register(testInstance("wi-other-tenant", "scanner_agent", "globex", 2, types.TaskKindSecurityScan)))

	full := testInstance("wi-full", "scanner_agent", "acme", 1, types.TaskKindSecurityScan)
	require.NoError(t, r.Register(full))
	require.NoError(t, r.Acquire("wi-full", "task-x"))

	sick := testInstance("wi-sick", "scanner_agent", "acme", 2, types.TaskKindSecurityScan)
	require.NoError(t, r.Register(sick))
	r.UpdateHealth("wi-sick", types.HealthUnhealthy, "crashed")

	cands := r.CandidatesFor(types.TaskKindSecurityScan, "acme", "")
	require.Len(t, cands, 1)
	assert.Equal(t, "wi-scan", cands[0].ID)

	// target kind restriction excludes even capable instances of other kinds
	cands = r.CandidatesFor(types.TaskKindSecurityScan, "acme", "integration_agent")
	assert.Empty(t, cands)
}

func TestHeartbeatRecoversHealth(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.Register(testInstance("wi-1", "scanner_agent", "acme", 2, types.TaskKindSecurityScan)))

	r.UpdateHealth("wi-1", types.HealthDegraded, "")
	require.NoError(t, r.Heartbeat("wi-1", 1, ""))

	got, _ := r.Get("wi-1")
	assert.Equal(t, types.HealthHealthy, got.Health)
	assert.Equal(t, 1, got.UsedCapacity)

	assert.Error(t, r.Heartbeat("wi-unknown", 0, ""))
}

func TestHealthDecay(t *testing.T) {
	r := New(Config{DegradeAfter: 5 * time.Minute, UnhealthyAfter: 10 * time.Minute})
	require.NoError(t, r.Register(testInstance("wi-1", "scanner_agent", "acme", 2, types.TaskKindSecurityScan)))

	r.DecayNow(time.Now().Add(6 * time.Minute))
	got, _ := r.Get("wi-1")
	assert.Equal(t, types.HealthDegraded, got.Health)
	assert.True(t, got.Active, "degraded workers stay routable")

	r.DecayNow(time.Now().Add(11 * time.Minute))
	got, _ = r.Get("wi-1")
	assert.Equal(t, types.HealthUnhealthy, got.Health)
	assert.False(t, got.Active)
	assert.False(t, r.Healthy("wi-1"))
	assert.Empty(t, r.CandidatesFor(types.TaskKindSecurityScan, "acme", ""))
}

func TestRecordCompletionUpdatesSuccessRate(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.Register(testInstance("wi-1", "scanner_agent", "acme", 2, types.TaskKindSecurityScan)))

	r.RecordCompletion("wi-1", 2*time.Second, true)
	r.RecordCompletion("wi-1", 3*time.Second, false)

	got, _ := r.Get("wi-1")
	assert.Equal(t, int64(2), got.TasksCompleted)
	assert.Equal(t, 5*time.Second, got.TotalExecTime)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Less(t, got.SuccessRate, 1.0)
	assert.Greater(t, got.SuccessRate, 0.9)
}

func TestGetReturnsCopy(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.Register(testInstance("wi-1", "scanner_agent", "acme", 2, types.TaskKindSecurityScan)))
	require.NoError(t, r.Acquire("wi-1", "task-1"))

	snap, _ := r.Get("wi-1")
	snap.UsedCapacity = 99
	snap.CurrentTasks[0] = "mutated"

	got, _ := r.Get("wi-1")
	assert.Equal(t, 1, got.UsedCapacity)
	assert.Equal(t, []string{"task-1"}, got.CurrentTasks)
}

func TestUnregister(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.Register(testInstance("wi-1", "scanner_agent", "acme", 2, types.TaskKindSecurityScan)))

	r.Unregister("wi-1")
	_, ok := r.Get("wi-1")
	assert.False(t, ok)
}
