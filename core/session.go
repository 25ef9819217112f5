package core

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionID identifies one recording. It is stored in the segment header and the
// index sidecar, and stamped on every record read back from the segment.
type SessionID [16]byte

// NewSessionID returns a random (v4) session id.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

// ParseSessionID parses the canonical textual form produced by String.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return SessionID(u), nil
}

func (id SessionID) String() string {
	return uuid.UUID(id).String()
}

func (id SessionID) IsZero() bool {
	return id == SessionID{}
}
