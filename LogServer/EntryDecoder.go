package LogServer

import (
	"errors"
	"fmt"
	"io"

	"PodLogServer/Framing"
	"PodLogServer/Ingest"
	"PodLogServer/ReceiveBuffer"

	"go.uber.org/zap"
)

// EntryDecoder unpacks the batch stream: a run of BatchPayload records whose
// data fields, concatenated, form a run of LogEntry records. Either layer may be
// split at any byte, so each one gets its own receive buffer.
type EntryDecoder struct {
	payloads *ReceiveBuffer.Buffer[byte]
	entries  *ReceiveBuffer.Buffer[byte]
	logger   *zap.Logger

	nextSeq uint32
	seqSeen bool
}

func NewEntryDecoder(capacity int, logger *zap.Logger) *EntryDecoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntryDecoder{
		payloads: ReceiveBuffer.New[byte](capacity),
		entries:  ReceiveBuffer.New[byte](capacity),
		logger:   logger,
	}
}

// Write feeds one chunk of the batch stream and returns the entries it completed.
func (d *EntryDecoder) Write(chunk []byte) ([]LogEntry, error) {
	var out []LogEntry
	err := feed(d.payloads, chunk, func() error {
		entries, err := d.drain()
		out = append(out, entries...)
		return err
	})
	return out, err
}

// Pending reports how many bytes of incomplete records are buffered.
func (d *EntryDecoder) Pending() int {
	return d.payloads.Size() + d.entries.Size()
}

// Reset drops partial records, e.g. when a batch ends.
func (d *EntryDecoder) Reset() {
	if d.Pending() > 0 {
		d.logger.Warn("Dropping partial records at end of batch",
			zap.Int("payload_bytes", d.payloads.Size()),
			zap.Int("entry_bytes", d.entries.Size()))
	}
	d.payloads.Clear()
	d.entries.Clear()
	d.seqSeen = false
}

// drain decodes every complete payload and the entries they complete.
func (d *EntryDecoder) drain() ([]LogEntry, error) {
	var out []LogEntry
	payloads, err := Framing.DecodeRecords[BatchPayload](d.payloads)
	for _, p := range payloads {
		d.checkSeq(p.Seq)
		ferr := feed(d.entries, p.Data, func() error {
			entries, err := Framing.DecodeRecords[LogEntry](d.entries)
			out = append(out, entries...)
			return err
		})
		if ferr != nil {
			return out, fmt.Errorf("entries of payload %d: %w", p.Seq, ferr)
		}
	}
	return out, err
}

func (d *EntryDecoder) checkSeq(seq uint32) {
	if d.seqSeen && seq != d.nextSeq {
		d.logger.Warn("Payload sequence gap", zap.Uint32("expected", d.nextSeq), zap.Uint32("got", seq))
	}
	d.nextSeq = seq + 1
	d.seqSeen = true
}

// DecodeStream reads a saved batch from src and calls fn for every entry in order.
func DecodeStream(src io.Reader, capacity int, logger *zap.Logger, fn func(LogEntry) error) error {
	d := NewEntryDecoder(capacity, logger)
	reader := Ingest.NewReader(src, d.payloads, Ingest.WithLogger(d.logger))
	for {
		_, readErr := reader.ReadOnce()
		entries, err := d.drain()
		for _, e := range entries {
			if ferr := fn(e); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
		switch {
		case readErr == nil:
		case errors.Is(readErr, Ingest.ErrBackPressure):
			return fmt.Errorf("%w: payload larger than %d byte buffer", Framing.ErrFrameTooLarge, capacity)
		case errors.Is(readErr, io.EOF):
			if d.Pending() > 0 {
				return fmt.Errorf("%w: %d bytes of truncated records", io.ErrUnexpectedEOF, d.Pending())
			}
			return nil
		default:
			return readErr
		}
	}
}

// feed copies data into buf through the external fill path, draining after every
// fill. It fails when drain cannot make room for the rest of data.
func feed(buf *ReceiveBuffer.Buffer[byte], data []byte, drain func() error) error {
	for len(data) > 0 {
		n, err := buf.Fill(len(data), func(dst []byte) (int, error) {
			return copy(dst, data), nil
		})
		if err != nil {
			return fmt.Errorf("%w: record larger than %d byte buffer", Framing.ErrFrameTooLarge, buf.MaxSize())
		}
		data = data[n:]
		if err := drain(); err != nil {
			return err
		}
	}
	return nil
}
