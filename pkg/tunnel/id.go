package tunnel

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// RequestID identifies a pending or established stream on the client peer.
// It is a 32-character lowercase hex string, unique per process.
type RequestID string

// StreamID identifies an established stream. It is generated by the server
// peer when it dials the target.
type StreamID string

func NewRequestID() RequestID {
	return RequestID(newID())
}

func NewStreamID() StreamID {
	return StreamID(newID())
}

func newID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
