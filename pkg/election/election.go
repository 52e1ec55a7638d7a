package election

// Elector reports which node currently leads the fleet. Leadership is an
// external fact: the rest of the agent only ever asks, never campaigns.
type Elector interface {
	// IsLeader reports whether the local node currently leads
	IsLeader() bool

	// LeaderID returns the id of the current leader, or "" when unknown
	LeaderID() string
}

// Static is a fixed-answer elector for tests and single-node deployments
type Static struct {
	Leader  bool
	LocalID string
}

// IsLeader reports the configured answer
func (s *Static) IsLeader() bool {
	return s.Leader
}

// LeaderID returns the local id when leading, "" otherwise
func (s *Static) LeaderID() string {
	if s.Leader {
		return s.LocalID
	}
	return ""
}
