package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeResult  = "RESULT"
	TypeEvent   = "EVENT"

	TypeReserve  = "RESERVE"
	TypeCommit   = "COMMIT"
	TypeRelease  = "RELEASE"
	TypeSubmit   = "SUBMIT"
	TypeStats    = "STATS"
	TypeOccupant = "OCCUPANT"
	TypeImages   = "IMAGES"
	TypeBroken   = "BROKEN"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Ref             string `json:"ref,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
