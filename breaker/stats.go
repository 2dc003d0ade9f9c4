package breaker

import "time"

const (
	responseWindow = 100
	maxTransitions = 100
)

// Transition records one state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Peer                string
	State               State
	ConsecutiveFailures int
	Cooldown            time.Duration
	LastTransition      time.Time
	LastFailure         time.Time
	LastSuccess         time.Time
	Successes           int64
	Failures            int64
	Timeouts            int64
	Rejected            int64
	// AvgResponseTime is the mean duration of the last 100 calls.
	AvgResponseTime time.Duration
	Transitions     []Transition
}

type stats struct {
	successes      int64
	failures       int64
	timeouts       int64
	rejected       int64
	lastFailure    time.Time
	lastSuccess    time.Time
	lastTransition time.Time
	transitions    []Transition
	responses      [responseWindow]time.Duration
	nResponses     int
	nextResponse   int
}

func (s *stats) recordSuccess(now time.Time, d time.Duration) {
	s.successes++
	s.lastSuccess = now
	s.recordResponse(d)
}

func (s *stats) recordFailure(now time.Time, d time.Duration, timeout bool) {
	s.failures++
	if timeout {
		s.timeouts++
	}
	s.lastFailure = now
	s.recordResponse(d)
}

func (s *stats) recordResponse(d time.Duration) {
	s.responses[s.nextResponse] = d
	s.nextResponse = (s.nextResponse + 1) % responseWindow
	s.nResponses = min(s.nResponses+1, responseWindow)
}

func (s *stats) recordTransition(from, to State, at time.Time) {
	s.lastTransition = at
	if len(s.transitions) == maxTransitions {
		copy(s.transitions, s.transitions[1:])
		s.transitions = s.transitions[:maxTransitions-1]
	}
	s.transitions = append(s.transitions, Transition{From: from, To: to, At: at})
}

func (s *stats) avgResponse() time.Duration {
	if s.nResponses == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < s.nResponses; i++ {
		total += s.responses[i]
	}
	return total / time.Duration(s.nResponses)
}

// Snapshot returns the breaker's current metrics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Peer:                b.peer,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Cooldown:            b.cooldown,
		LastTransition:      b.stats.lastTransition,
		LastFailure:         b.stats.lastFailure,
		LastSuccess:         b.stats.lastSuccess,
		Successes:           b.stats.successes,
		Failures:            b.stats.failures,
		Timeouts:            b.stats.timeouts,
		Rejected:            b.stats.rejected,
		AvgResponseTime:     b.stats.avgResponse(),
		Transitions:         append([]Transition(nil), b.stats.transitions...),
	}
}
