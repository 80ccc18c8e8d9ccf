package Common

import (
	"sync"
	"sync/atomic"
	"time"

	"PodLogServer/ReceiveBuffer"
)

type SessionKind string

const (
	SessionKindLog   SessionKind = "log"
	SessionKindSpark SessionKind = "spark"
)

// Session tracks one connected device. Counters are safe to update from the
// connection goroutine while the API reads them.
type Session struct {
	Id       string
	Kind     SessionKind
	Remote   string
	OpenedAt time.Time

	mu       sync.Mutex
	deviceId string
	state    string

	bytesRead    atomic.Uint64
	frames       atomic.Uint64
	backPressure atomic.Uint64
	batches      atomic.Uint64
	compactions  atomic.Int64
	buffered     atomic.Int64
	capacity     atomic.Int64
}

type SessionStats struct {
	Id           string      `json:"id"`
	Kind         SessionKind `json:"kind"`
	Remote       string      `json:"remote"`
	DeviceId     string      `json:"device_id,omitempty"`
	State        string      `json:"state,omitempty"`
	OpenedAt     time.Time   `json:"opened_at"`
	BytesRead    uint64      `json:"bytes_read"`
	Frames       uint64      `json:"frames"`
	BackPressure uint64      `json:"back_pressure"`
	Batches      uint64      `json:"batches"`
	Compactions  int64       `json:"compactions"`
	Buffered     int64       `json:"buffered"`
	Capacity     int64       `json:"capacity"`
}

func (s *Session) SetDeviceId(id string) {
	s.mu.Lock()
	s.deviceId = id
	s.mu.Unlock()
}

func (s *Session) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) AddBytesRead(n int) {
	if n > 0 {
		s.bytesRead.Add(uint64(n))
	}
}

func (s *Session) AddFrames(n int) {
	if n > 0 {
		s.frames.Add(uint64(n))
	}
}

func (s *Session) AddBackPressure() { s.backPressure.Add(1) }
func (s *Session) AddBatch()        { s.batches.Add(1) }

// ObserveBuffer copies the buffer gauges into the session. It has to be called
// from the goroutine that owns the buffer.
func (s *Session) ObserveBuffer(buf *ReceiveBuffer.Buffer[byte]) {
	s.compactions.Store(int64(buf.Compactions()))
	s.buffered.Store(int64(buf.Size()))
	s.capacity.Store(int64(buf.MaxSize()))
}

func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	deviceId, state := s.deviceId, s.state
	s.mu.Unlock()
	return SessionStats{
		Id:           s.Id,
		Kind:         s.Kind,
		Remote:       s.Remote,
		DeviceId:     deviceId,
		State:        state,
		OpenedAt:     s.OpenedAt,
		BytesRead:    s.bytesRead.Load(),
		Frames:       s.frames.Load(),
		BackPressure: s.backPressure.Load(),
		Batches:      s.batches.Load(),
		Compactions:  s.compactions.Load(),
		Buffered:     s.buffered.Load(),
		Capacity:     s.capacity.Load(),
	}
}
