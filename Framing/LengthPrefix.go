package Framing

import (
	"encoding/binary"
	"fmt"
	"math"

	"PodLogServer/ReceiveBuffer"
)

// LengthPrefixSize is the size of the big-endian length in front of every frame.
const LengthPrefixSize = 2

// ExtractLengthPrefixed splits complete length-prefixed frames off the front of the buffer.
// A partial frame stays buffered for the next call.
func ExtractLengthPrefixed(buf *ReceiveBuffer.Buffer[byte], maxFrame int) ([][]byte, error) {
	limit := buf.MaxSize() - LengthPrefixSize
	if maxFrame > 0 && maxFrame < limit {
		limit = maxFrame
	}

	var frames [][]byte
	for buf.Size() >= LengthPrefixSize {
		window := buf.Data()
		payloadLen := int(binary.BigEndian.Uint16(window[:LengthPrefixSize]))
		if payloadLen > limit {
			return frames, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, payloadLen, limit)
		}
		total := LengthPrefixSize + payloadLen
		if len(window) < total {
			break
		}
		frame := make([]byte, payloadLen)
		copy(frame, window[LengthPrefixSize:total])
		frames = append(frames, frame)
		_ = buf.Consume(total)
	}
	return frames, nil
}

// AppendLengthPrefixed appends payload to dst with its length in front.
func AppendLengthPrefixed(dst, payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return dst, fmt.Errorf("%w: payload of %d bytes", ErrFrameTooLarge, len(payload))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}
