package relay

import (
	"encoding/json"
	"fmt"
	"strconv"

	"ChatRelay/tools/errs"
)

// Record is the closed set of message kinds crossing the socket. The wire
// names are fixed strings; anything outside the table is a decode error, not
// a silent default.
type Record int

const (
	RecMessage Record = iota
	RecJoinedQueue
	RecLeftQueue
	RecRateLimit
	RecParticipantJoined
	RecParticipantLeft
)

var recordNames = map[Record]string{
	RecMessage:           "msg_g2c_send_message",
	RecJoinedQueue:       "msg_g2c_joined_queue",
	RecLeftQueue:         "msg_g2c_left_queue",
	RecRateLimit:         "msg_g2c_ratelimit",
	RecParticipantJoined: "msg_g2c_participant_joined",
	RecParticipantLeft:   "msg_g2c_participant_left",
}

// Client intent names map onto the same variants they acknowledge: a
// subscribe request decodes as JoinedQueue, an unsubscribe as LeftQueue.
var recordValues = map[string]Record{
	"msg_c2g_subscribe_queue":    RecJoinedQueue,
	"msg_c2g_unsubscribe_queue":  RecLeftQueue,
	"msg_g2c_send_message":       RecMessage,
	"msg_g2c_joined_queue":       RecJoinedQueue,
	"msg_g2c_left_queue":         RecLeftQueue,
	"msg_g2c_ratelimit":          RecRateLimit,
	"msg_g2c_participant_joined": RecParticipantJoined,
	"msg_g2c_participant_left":   RecParticipantLeft,
}

func (r Record) String() string {
	if name, ok := recordNames[r]; ok {
		return name
	}
	return fmt.Sprintf("record(%d)", int(r))
}

func (r Record) MarshalJSON() ([]byte, error) {
	name, ok := recordNames[r]
	if !ok {
		return nil, fmt.Errorf("relay: unmapped record %d", int(r))
	}
	return json.Marshal(name)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	rec, ok := recordValues[s]
	if !ok {
		return fmt.Errorf("relay: unknown record %q", s)
	}
	*r = rec
	return nil
}

// Mount tells a join/leave request apart: a room ("chat") or the caller's
// implicit private queue ("user").
type Mount int

const (
	MountChat Mount = iota
	MountUser
)

func (m Mount) MarshalJSON() ([]byte, error) {
	switch m {
	case MountChat:
		return json.Marshal("chat")
	case MountUser:
		return json.Marshal("user")
	}
	return nil, fmt.Errorf("relay: unmapped mount %d", int(m))
}

func (m *Mount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "chat":
		*m = MountChat
	case "user":
		*m = MountUser
	default:
		return fmt.Errorf("relay: unknown mount %q", s)
	}
	return nil
}

// Envelope is the wire message, both directions.
type Envelope struct {
	Record Record          `json:"record"`
	Queue  string          `json:"queue"`
	Data   json.RawMessage `json:"data"`
}

// ClientFrame is the inbound shape: an Envelope plus the mount discriminator.
type ClientFrame struct {
	Record Record          `json:"record"`
	Mount  Mount           `json:"mount"`
	Queue  string          `json:"queue"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses one backplane payload. Failure is a coded error the
// session relays to the client; it never panics.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.ErrMalformedFrame.WithDetail(err.Error())
	}
	return &env, nil
}

// DecodeClientFrame parses one text frame from the client.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errs.ErrMalformedFrame.WithDetail(err.Error())
	}
	return &frame, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Channel namespaces on the backplane.
func RoomChannel(roomID int64) string {
	return "chat:" + strconv.FormatInt(roomID, 10)
}

func UserChannel(userID int64) string {
	return "priv_user:" + strconv.FormatInt(userID, 10)
}
