package step

// State is the orchestrator's position in one submission attempt.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
	StateSucceeded  State = "succeeded"
	StateNavigated  State = "navigated"
	StateFailed     State = "failed"
)

// Accepting reports whether a new submission may begin from s.
func (s State) Accepting() bool {
	return s == StateIdle || s == StateFailed
}

// Resting reports whether the current attempt has ended.
func (s State) Resting() bool {
	return s == StateIdle || s == StateNavigated || s == StateFailed
}
