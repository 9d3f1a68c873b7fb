// Package protocol defines the JSON envelopes exchanged over the contest
// websocket.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/lox/coinflip/internal/contest"
)

// MessageType identifies the payload carried by an Envelope.
type MessageType string

const (
	// Client -> Server
	TypeJoin         MessageType = "join"
	TypeCreate       MessageType = "create"
	TypeSubmitChoice MessageType = "submit_choice"
	TypeRelease      MessageType = "release"
	TypeLeave        MessageType = "leave"

	// Server -> Client
	TypeContestState MessageType = "contest_state"
	TypeCreated      MessageType = "created"
	TypeRejected     MessageType = "rejected"
	TypeError        MessageType = "error"
)

func (t MessageType) String() string { return string(t) }

// Envelope is the frame for every message in both directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
}

// NewEnvelope marshals data into an envelope stamped with now.
func NewEnvelope(t MessageType, data any, now time.Time) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, Data: raw, Timestamp: now}, nil
}

// Client -> Server

// Join binds the connection to a contest. An address takes a seat while the
// contest is waiting; without one the connection only watches. Variant names
// the preset used if the contest has to be created. Token proves control
// of Address when the server verifies addresses.
type Join struct {
	ContestID string `json:"contestId"`
	Address   string `json:"address,omitempty"`
	Variant   string `json:"variant,omitempty"`
	Token     string `json:"token,omitempty"`
}

// Create opens a contest under a server-generated id.
type Create struct {
	Address string `json:"address"`
	Variant string `json:"variant,omitempty"`
	Token   string `json:"token,omitempty"`
}

// SubmitChoice locks a side for the address the connection joined as.
// Side is "heads" or "tails", or the single letter form.
type SubmitChoice struct {
	ContestID string `json:"contestId"`
	Side      string `json:"side"`
}

// Release stops the sender's charge meter. Power is measured by the server
// from the start of round_active.
type Release struct {
	ContestID string `json:"contestId"`
}

type Leave struct {
	ContestID string `json:"contestId"`
}

// Server -> Client

// ContestState is the snapshot broadcast after every accepted transition.
type ContestState = contest.View

type Created struct {
	ContestID string `json:"contestId"`
	Variant   string `json:"variant"`
}

// Rejected is sent only to the connection whose request was refused.
type Rejected struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	ContestID string      `json:"contestId,omitempty"`
	Request   MessageType `json:"request,omitempty"`
}

// Error reports a malformed or unprocessable frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
