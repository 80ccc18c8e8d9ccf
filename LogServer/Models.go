package LogServer

type state int

const (
	StateClientHello state = iota
	StateWaitingForStreamStart
	StateReceivingStream
)

func (s state) String() string {
	switch s {
	case StateClientHello:
		return "client_hello"
	case StateWaitingForStreamStart:
		return "waiting_for_stream"
	case StateReceivingStream:
		return "receiving_stream"
	default:
		return "unknown"
	}
}

type WelcomeMessage struct {
	Proto    string `cbor:"proto" json:"proto"`
	Version  string `cbor:"version" json:"version"`
	Part     string `cbor:"part" json:"part"`
	DeviceId string `cbor:"dev" json:"dev"`
}

type WelcomeResponse struct {
	Proto string `cbor:"proto" json:"proto"`
	Part  string `cbor:"part" json:"part"`
}

type FileAckResponse struct {
	Proto string `cbor:"proto" json:"proto"`
	Part  string `cbor:"part" json:"part"`
	Id    uint32 `cbor:"id" json:"id"`
}

// BatchPayload is one sequenced record of a batch stream.
type BatchPayload struct {
	Seq  uint32 `cbor:"seq"`
	Data []byte `cbor:"data"`
}

// LogEntry is a single device log line carried inside BatchPayload.Data.
type LogEntry struct {
	Ts    uint32 `cbor:"ts" json:"ts"`
	Msg   string `cbor:"msg" json:"msg"`
	Level string `cbor:"level" json:"level"`
	Type  string `cbor:"type" json:"type"`
}
