package proxy

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/pagevoice/internal/negotiator"
	"github.com/ent0n29/pagevoice/internal/protocol"
)

var (
	ErrTransport         = errors.New("transport failure")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrConfigureTimeout  = errors.New("session configure timed out")
)

// Wire codes carried in the proxy's error frames.
const (
	CodeNegotiationFailure = "negotiation_failure"
	CodeTransportFailure   = "transport_failure"
	CodeProtocolViolation  = "protocol_violation"
	CodeConfigureTimeout   = "configure_timeout"
)

// errPeerClosed ends a relay when one side closed cleanly.
var errPeerClosed = errors.New("peer closed")

// ErrorCode maps a session error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, negotiator.ErrNegotiation):
		return CodeNegotiationFailure
	case errors.Is(err, ErrConfigureTimeout):
		return CodeConfigureTimeout
	case errors.Is(err, ErrProtocolViolation), errors.Is(err, protocol.ErrMalformedFrame):
		return CodeProtocolViolation
	default:
		return CodeTransportFailure
	}
}

func closeCodeFor(err error) int {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure
	case ErrorCode(err) == CodeProtocolViolation:
		return websocket.ClosePolicyViolation
	case ErrorCode(err) == CodeNegotiationFailure:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseInternalServerErr
	}
}

// isCleanClose reports whether a read error is an orderly shutdown of the peer
// or of this session.
func isCleanClose(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
