package p2p

// SessionState is the lifecycle stage of a direct transport to one peer
type SessionState int

const (
	SessionNegotiating SessionState = iota
	SessionOpen
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionNegotiating:
		return "negotiating"
	case SessionOpen:
		return "open"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role records which side sent the offer
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// ShouldInitiate decides which side of a pair sends the offer. A host facing a
// non-host initiates; otherwise the lexicographically greater device id does.
// Both sides evaluate it with the arguments swapped and reach opposite answers,
// so exactly one of them initiates.
func ShouldInitiate(self, other string, selfHost, otherHost bool) bool {
	if selfHost != otherHost {
		return selfHost
	}
	return self > other
}

// session is the transport state for one peer. Fields other than peerID and
// role are guarded by Client.mu.
type session struct {
	peerID string
	role   Role
	state  SessionState
	link   Link

	// ready is closed when the session leaves negotiating, either way.
	ready chan struct{}
	err   error
}

func newSession(peerID string, role Role) *session {
	return &session{
		peerID: peerID,
		role:   role,
		state:  SessionNegotiating,
		ready:  make(chan struct{}),
	}
}

// open moves a negotiating session to open. It reports whether the
// transition happened.
func (s *session) open() bool {
	if s.state != SessionNegotiating {
		return false
	}
	s.state = SessionOpen
	close(s.ready)
	return true
}

// close moves the session to closed, recording the cause. It reports whether
// the transition happened.
func (s *session) close(cause error) bool {
	if s.state == SessionClosed {
		return false
	}
	if s.state == SessionNegotiating {
		close(s.ready)
	}
	s.state = SessionClosed
	s.err = cause
	return true
}
