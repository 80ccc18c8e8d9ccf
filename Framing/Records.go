package Framing

import (
	"errors"
	"fmt"
	"io"

	"PodLogServer/ReceiveBuffer"

	"github.com/fxamacker/cbor/v2"
)

// DecodeRecords decodes as many complete CBOR data items from the buffer as it can.
// A truncated trailing item is left buffered.
func DecodeRecords[T any](buf *ReceiveBuffer.Buffer[byte]) ([]T, error) {
	var results []T
	for !buf.Empty() {
		window := buf.Data()
		var record T
		rest, err := cbor.UnmarshalFirst(window, &record)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return results, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		_ = buf.Consume(len(window) - len(rest))
		results = append(results, record)
	}
	return results, nil
}

// DecodeRecord decodes exactly one CBOR data item if a complete one is buffered.
func DecodeRecord[T any](buf *ReceiveBuffer.Buffer[byte]) (record T, ok bool, err error) {
	if buf.Empty() {
		return record, false, nil
	}
	window := buf.Data()
	rest, err := cbor.UnmarshalFirst(window, &record)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return record, false, nil
	}
	if err != nil {
		return record, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	_ = buf.Consume(len(window) - len(rest))
	return record, true, nil
}
