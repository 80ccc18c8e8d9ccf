// Package Ingest moves bytes from a transport straight into a receive buffer.
package Ingest

import (
	"errors"
	"fmt"
	"io"

	"PodLogServer/ReceiveBuffer"

	"go.uber.org/zap"
)

const defaultChunkSize = 4096

// ErrBackPressure is returned when the buffer has no room left for another read.
// The consumer has to drain the buffer before reading resumes.
var ErrBackPressure = errors.New("receive buffer full, drain before reading")

type Reader struct {
	src       io.Reader
	buf       *ReceiveBuffer.Buffer[byte]
	chunkSize int
	logger    *zap.Logger

	bytesRead    uint64
	backPressure uint64
}

type Option func(*Reader)

// WithChunkSize caps the number of bytes requested from the source per read.
func WithChunkSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

func NewReader(src io.Reader, buf *ReceiveBuffer.Buffer[byte], opts ...Option) *Reader {
	r := &Reader{
		src:       src,
		buf:       buf,
		chunkSize: defaultChunkSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadOnce performs a single read from the source into the free space of the buffer.
// It returns the number of bytes added along with any error from the source.
func (r *Reader) ReadOnce() (int, error) {
	n, err := r.buf.Fill(r.chunkSize, r.src.Read)
	r.bytesRead += uint64(n)
	if errors.Is(err, ReceiveBuffer.ErrCapacityExceeded) {
		r.backPressure++
		r.logger.Warn("Receive buffer full",
			zap.Int("buffered", r.buf.Size()),
			zap.Int("capacity", r.buf.MaxSize()))
		return 0, fmt.Errorf("%w: %w", ErrBackPressure, err)
	}
	if n > 0 {
		r.logger.Debug("Read into receive buffer",
			zap.Int("bytes", n),
			zap.Int("buffered", r.buf.Size()),
			zap.Int("free", r.buf.Free()))
	}
	return n, err
}

// Buffer returns the buffer the reader fills.
func (r *Reader) Buffer() *ReceiveBuffer.Buffer[byte] {
	return r.buf
}

// Counters returns the total bytes read and how many reads were refused for lack of room.
func (r *Reader) Counters() (bytesRead, backPressure uint64) {
	return r.bytesRead, r.backPressure
}
