package proxy

import "github.com/ent0n29/pagevoice/internal/session"

// transitions lists the legal successors of every non-terminal state.
var transitions = map[session.State][]session.State{
	session.StateIdle:           {session.StateNegotiating, session.StateClosing, session.StateFailed},
	session.StateNegotiating:    {session.StateConnecting, session.StateClosing, session.StateFailed},
	session.StateConnecting:     {session.StateAuthenticating, session.StateClosing, session.StateFailed},
	session.StateAuthenticating: {session.StateConfiguring, session.StateClosing, session.StateFailed},
	session.StateConfiguring:    {session.StateActive, session.StateClosing, session.StateFailed},
	session.StateActive:         {session.StateClosing, session.StateFailed},
	session.StateClosing:        {session.StateClosed, session.StateFailed},
}

func canTransition(from, to session.State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
