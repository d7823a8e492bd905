package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

var (
	hot  = models.Sample{CPU: 95, Memory: 20, Network: 100}
	idle = models.Sample{CPU: 2, Memory: 20, Network: 100}
)

func TestGate_AlertsAtThreshold(t *testing.T) {
	g := Default()
	var st State
	for i := 1; i < DefaultThreshold; i++ {
		var alert bool
		st, alert = g.Step(st, true, hot)
		assert.False(t, alert, "sample %d", i)
		assert.Equal(t, i, st.Count)
		assert.Equal(t, PhaseAccumulating, g.Phase(st))
	}

	st, alert := g.Step(st, true, hot)
	assert.True(t, alert)
	assert.Equal(t, DefaultThreshold, st.Count)
	assert.Equal(t, PhaseAlerting, g.Phase(st))

	st, alert = g.Step(st, true, hot)
	assert.True(t, alert)
	assert.Equal(t, DefaultThreshold+1, st.Count)
}

func TestGate_Resets(t *testing.T) {
	g := Default()

	tests := []struct {
		name   string
		raw    bool
		sample models.Sample
	}{
		{"normal label", false, hot},
		{"no surge", true, idle},
		{"neither", false, idle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := State{Count: 11}
			st, alert := g.Step(st, tt.raw, tt.sample)
			assert.False(t, alert)
			assert.Equal(t, 0, st.Count)
			assert.Equal(t, PhaseQuiet, g.Phase(st))
		})
	}
}

func TestGate_Surge(t *testing.T) {
	g := Default()

	tests := []struct {
		name   string
		sample models.Sample
		want   bool
	}{
		{"cpu at threshold", models.Sample{CPU: 10}, true},
		{"mem at threshold", models.Sample{Memory: 30}, true},
		{"net at threshold", models.Sample{Network: 15000}, true},
		{"all below", models.Sample{CPU: 9.9, Memory: 29.9, Network: 14999}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Surge(tt.sample))
		})
	}
}

func TestGate_StepIsPure(t *testing.T) {
	g := Gate{Threshold: 2, CPUSurge: 10, MemSurge: 30, NetSurge: 15000}
	st := State{Count: 1}
	next, alert := g.Step(st, true, hot)
	assert.True(t, alert)
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, 2, next.Count)
}
