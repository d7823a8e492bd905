package gate

import "github.com/kubilitics/kubilitics-sentinel/internal/models"

// Defaults match 2 minutes of sustained detection at a 10s poll.
const (
	DefaultThreshold = 12
	DefaultCPUSurge  = 10.0
	DefaultMemSurge  = 30.0
	DefaultNetSurge  = 15000.0
)

// Phase is the gate's coarse state.
type Phase string

const (
	PhaseQuiet        Phase = "quiet"
	PhaseAccumulating Phase = "accumulating"
	PhaseAlerting     Phase = "alerting"
)

// Gate turns raw per-sample labels into an alert signal. An alert needs both
// persistence (Threshold consecutive qualifying samples) and magnitude (the
// sample crosses at least one absolute surge threshold).
type Gate struct {
	Threshold int     `json:"threshold"`
	CPUSurge  float64 `json:"cpu_surge"`
	MemSurge  float64 `json:"mem_surge"`
	NetSurge  float64 `json:"net_surge"`
}

// State is carried between iterations by the caller.
type State struct {
	Count int `json:"consecutive_anomaly_count"`
}

// Default returns a gate with the stock thresholds.
func Default() Gate {
	return Gate{
		Threshold: DefaultThreshold,
		CPUSurge:  DefaultCPUSurge,
		MemSurge:  DefaultMemSurge,
		NetSurge:  DefaultNetSurge,
	}
}

// Surge reports whether any feature reaches its surge threshold.
func (g Gate) Surge(s models.Sample) bool {
	return s.CPU >= g.CPUSurge || s.Memory >= g.MemSurge || s.Network >= g.NetSurge
}

// Step advances the counter for one sample and reports whether to alert.
// The counter increments only when the sample is a raw anomaly that also
// surges; anything else resets it to zero.
func (g Gate) Step(st State, rawAnomaly bool, s models.Sample) (State, bool) {
	if rawAnomaly && g.Surge(s) {
		st.Count++
	} else {
		st.Count = 0
	}
	return st, st.Count >= g.Threshold
}

// Phase classifies st against the gate threshold.
func (g Gate) Phase(st State) Phase {
	switch {
	case st.Count <= 0:
		return PhaseQuiet
	case st.Count < g.Threshold:
		return PhaseAccumulating
	default:
		return PhaseAlerting
	}
}
