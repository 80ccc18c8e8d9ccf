// Package Framing pulls complete messages out of a receive buffer.
//
// Framers only look at the live window and drain what they use; anything
// incomplete stays buffered until the next read tops it up.
package Framing

import (
	"encoding/binary"
	"fmt"

	"PodLogServer/ReceiveBuffer"
)

const (
	cborMajorByteString = 0x40
	cborMajorMask       = 0xE0
	cborInfoMask        = 0x1F
	cborIndefiniteBytes = 0x5F
	cborBreak           = 0xFF
)

// ByteStringResult holds the byte strings extracted from the buffer.
type ByteStringResult struct {
	Data       [][]byte // payloads, header stripped
	ResetFound bool     // true if a break code (0xFF) was consumed
}

// ExtractByteStrings extracts as many CBOR byte strings as possible from the buffer.
// An indefinite-length start (0x5F) is skipped, so the chunks of an indefinite byte
// string come out one by one. Extraction stops at the break code or when the next
// chunk is incomplete.
func ExtractByteStrings(buf *ReceiveBuffer.Buffer[byte]) (ByteStringResult, error) {
	var result ByteStringResult
	for !buf.Empty() {
		window := buf.Data()
		switch window[0] {
		case cborBreak:
			_ = buf.Consume(1)
			result.ResetFound = true
			return result, nil
		case cborIndefiniteBytes:
			_ = buf.Consume(1)
			continue
		}

		length, headerLen, ok, err := parseByteStringHeader(window)
		if err != nil {
			return result, err
		}
		if !ok {
			break // incomplete header
		}
		if length > uint64(buf.MaxSize()-headerLen) {
			return result, fmt.Errorf("%w: byte string of %d bytes with buffer of %d", ErrFrameTooLarge, length, buf.MaxSize())
		}
		total := headerLen + int(length)
		if len(window) < total {
			break // incomplete data
		}
		chunk := make([]byte, length)
		copy(chunk, window[headerLen:total])
		result.Data = append(result.Data, chunk)
		_ = buf.Consume(total)
	}
	return result, nil
}

// parseByteStringHeader parses the CBOR byte string header at the start of window.
// ok is false if the header is not complete yet.
func parseByteStringHeader(window []byte) (length uint64, headerLen int, ok bool, err error) {
	first := window[0]
	if first&cborMajorMask != cborMajorByteString {
		return 0, 0, false, fmt.Errorf("%w: expected byte string, got initial byte 0x%02x", ErrMalformed, first)
	}
	ai := first & cborInfoMask
	switch {
	case ai < 24:
		return uint64(ai), 1, true, nil
	case ai == 24:
		if len(window) < 2 {
			return 0, 0, false, nil
		}
		return uint64(window[1]), 2, true, nil
	case ai == 25:
		if len(window) < 3 {
			return 0, 0, false, nil
		}
		return uint64(binary.BigEndian.Uint16(window[1:3])), 3, true, nil
	case ai == 26:
		if len(window) < 5 {
			return 0, 0, false, nil
		}
		return uint64(binary.BigEndian.Uint32(window[1:5])), 5, true, nil
	case ai == 27:
		if len(window) < 9 {
			return 0, 0, false, nil
		}
		return binary.BigEndian.Uint64(window[1:9]), 9, true, nil
	default:
		return 0, 0, false, fmt.Errorf("%w: reserved additional info %d in initial byte 0x%02x", ErrMalformed, ai, first)
	}
}
