package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/droverhq/drover/pkg/types"
)

func TestResolveVariants(t *testing.T) {
	r := NewRouter(0, nil)
	r.AddInstance("evidence_collector", "wi-ev-1")
	r.AddInstance("evidence_collector", "wi-ev-2")
	r.AddInstance("report_agent", "wi-rep-1")
	r.JoinChannel("audit", "wi-ev-1")
	r.JoinChannel("audit", "wi-rep-1")

	tests := []struct {
		name      string
		recipient types.Recipient
		want      []string
	}{
		{"worker kind", types.KindRecipient("evidence_collector"), []string{"wi-ev-1", "wi-ev-2"}},
		{"instance", types.InstanceRecipient("wi-rep-1"), []string{"wi-rep-1"}},
		{"unknown instance", types.InstanceRecipient("wi-ghost"), nil},
		{"broadcast", types.BroadcastRecipient(), []string{"wi-ev-1", "wi-ev-2", "wi-rep-1"}},
		{"channel", types.ChannelRecipient("audit"), []string{"wi-ev-1", "wi-rep-1"}},
		{"unknown channel", types.ChannelRecipient("nope"), nil},
		{"unknown kind", types.KindRecipient("nope"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.recipient))
		})
	}
}

func TestResolveFiltersUnhealthy(t *testing.T) {
	sick := map[string]bool{"wi-ev-2": true}
	r := NewRouter(0, func(id string) bool { return !sick[id] })
	r.AddInstance("evidence_collector", "wi-ev-1")
	r.AddInstance("evidence_collector", "wi-ev-2")

	assert.Equal(t, []string{"wi-ev-1"}, r.Resolve(types.KindRecipient("evidence_collector")))
	// direct addressing still refuses unhealthy instances
	assert.Empty(t, r.Resolve(types.InstanceRecipient("wi-ev-2")))
}

func TestResolveSoftCap(t *testing.T) {
	r := NewRouter(2, nil)
	r.AddInstance("evidence_collector", "wi-ev-1")
	r.AddInstance("evidence_collector", "wi-ev-2")

	r.NoteInflight("wi-ev-1")
	r.NoteInflight("wi-ev-1")

	assert.Equal(t, []string{"wi-ev-2"}, r.Resolve(types.KindRecipient("evidence_collector")))

	// directly addressed control messages bypass the cap
	assert.Equal(t, []string{"wi-ev-1"}, r.Resolve(types.InstanceRecipient("wi-ev-1")))

	r.ReleaseInflight("wi-ev-1")
	assert.Equal(t, []string{"wi-ev-1", "wi-ev-2"}, r.Resolve(types.KindRecipient("evidence_collector")))
}

func TestRemoveInstanceClearsMembership(t *testing.T) {
	r := NewRouter(0, nil)
	r.AddInstance("evidence_collector", "wi-ev-1")
	r.JoinChannel("audit", "wi-ev-1")
	r.NoteInflight("wi-ev-1")

	r.RemoveInstance("wi-ev-1")

	assert.Empty(t, r.Resolve(types.KindRecipient("evidence_collector")))
	assert.Empty(t, r.Resolve(types.ChannelRecipient("audit")))
	assert.Equal(t, "", r.KindOf("wi-ev-1"))
}
