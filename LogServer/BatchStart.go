package LogServer

import (
	"bytes"
	"encoding/binary"
	"errors"
)

/*
	The batch start is a CBOR map whose last value is an indefinite byte string:

	a4 65"proto" 63"raw" 64"part" 65"batch" 62"id" 1a<id:4> 66"stream" 5f

	We match it byte for byte instead of decoding it, since the stream value is
	still open when the header arrives.
*/

const (
	batchStartMap    = 0xa4
	batchStartLen    = 38
	batchIdOffset    = 0x1a
	batchStreamStart = 0x5f
)

var (
	batchStartMarker = []byte("eprotocrawdpartebatchbid")
	batchStreamKey   = []byte("fstream")

	errInvalidBatchStart = errors.New("invalid batch start packet")
)

// parseBatchStart reads the batch id from a 38 byte batch start header.
func parseBatchStart(header []byte) (uint32, error) {
	if len(header) != batchStartLen ||
		header[0] != batchStartMap ||
		!bytes.Equal(header[1:1+len(batchStartMarker)], batchStartMarker) ||
		header[batchIdOffset-1] != 0x1a ||
		!bytes.Equal(header[batchIdOffset+4:batchStartLen-1], batchStreamKey) ||
		header[batchStartLen-1] != batchStreamStart {
		return 0, errInvalidBatchStart
	}
	return binary.BigEndian.Uint32(header[batchIdOffset : batchIdOffset+4]), nil
}

// AppendBatchStart appends the batch start header for id to dst.
func AppendBatchStart(dst []byte, id uint32) []byte {
	dst = append(dst, batchStartMap)
	dst = append(dst, batchStartMarker...)
	dst = append(dst, 0x1a)
	dst = binary.BigEndian.AppendUint32(dst, id)
	dst = append(dst, batchStreamKey...)
	return append(dst, batchStreamStart)
}
