package monitor

// MonitoringState is the scheduler's global cadence state, derived each cycle
// from whether any monitor is actively tracking.
type MonitoringState int

const (
	StateIdle MonitoringState = iota
	StateActive
)

func (s MonitoringState) String() string {
	if s == StateActive {
		return "active"
	}
	return "idle"
}

// wakeKind distinguishes the two ways the scheduler's sleep gets interrupted.
type wakeKind int

const (
	// wakeBreak forces the scheduler Active and runs a cycle right away.
	wakeBreak wakeKind = iota
	// wakeRestart re-enters the wait at full length without running a cycle,
	// so the next poll is correctly spaced from a notification-driven pass.
	wakeRestart
)
