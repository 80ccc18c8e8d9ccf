package LogServer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"PodLogServer/Framing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testEntries(n int) []LogEntry {
	entries := make([]LogEntry, n)
	for i := range entries {
		entries[i] = LogEntry{
			Ts:    uint32(1700000000 + i),
			Msg:   fmt.Sprintf("heater step %d", i),
			Level: "info",
			Type:  "log",
		}
	}
	return entries
}

// encodeBatch packs entries into payloads of at most perPayload bytes, cutting
// entries across payload boundaries.
func encodeBatch(t *testing.T, entries []LogEntry, perPayload int, firstSeq uint32) []byte {
	t.Helper()
	var raw []byte
	for _, e := range entries {
		data, err := cbor.Marshal(e)
		require.NoError(t, err)
		raw = append(raw, data...)
	}
	var out []byte
	seq := firstSeq
	for len(raw) > 0 {
		n := min(perPayload, len(raw))
		data, err := cbor.Marshal(BatchPayload{Seq: seq, Data: raw[:n]})
		require.NoError(t, err)
		out = append(out, data...)
		raw = raw[n:]
		seq++
	}
	return out
}

func TestEntryDecoderWrite(t *testing.T) {
	entries := testEntries(20)
	stream := encodeBatch(t, entries, 25, 0)

	for _, step := range []int{1, 7, 64, len(stream)} {
		t.Run(fmt.Sprintf("step %d", step), func(t *testing.T) {
			d := NewEntryDecoder(96, zap.NewNop())
			var got []LogEntry
			for off := 0; off < len(stream); off += step {
				out, err := d.Write(stream[off:min(off+step, len(stream))])
				require.NoError(t, err)
				got = append(got, out...)
			}
			assert.Equal(t, entries, got)
			assert.Zero(t, d.Pending())
		})
	}
}

func TestEntryDecoderSequenceGap(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewEntryDecoder(256, zap.New(core))

	first := encodeBatch(t, testEntries(1), 100, 4)
	second := encodeBatch(t, testEntries(1), 100, 9)
	_, err := d.Write(append(first, second...))
	require.NoError(t, err)

	gaps := logs.FilterMessage("Payload sequence gap").All()
	require.Len(t, gaps, 1)
	assert.Equal(t, uint32(5), gaps[0].ContextMap()["expected"])
	assert.Equal(t, uint32(9), gaps[0].ContextMap()["got"])
}

func TestEntryDecoderReset(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewEntryDecoder(256, zap.New(core))

	stream := encodeBatch(t, testEntries(2), 100, 0)
	_, err := d.Write(stream[:len(stream)-3])
	require.NoError(t, err)
	assert.Positive(t, d.Pending())

	d.Reset()
	assert.Zero(t, d.Pending())
	assert.Equal(t, 1, logs.FilterMessage("Dropping partial records at end of batch").Len())

	out, err := d.Write(stream)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestEntryDecoderPayloadTooLarge(t *testing.T) {
	d := NewEntryDecoder(32, nil)
	stream := encodeBatch(t, testEntries(3), 200, 0)
	_, err := d.Write(stream)
	require.ErrorIs(t, err, Framing.ErrFrameTooLarge)
}

func TestDecodeStream(t *testing.T) {
	entries := testEntries(50)
	stream := encodeBatch(t, entries, 40, 0)

	var got []LogEntry
	err := DecodeStream(bytes.NewReader(stream), 128, zap.NewNop(), func(e LogEntry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestDecodeStreamErrors(t *testing.T) {
	stream := encodeBatch(t, testEntries(5), 40, 0)
	collect := func(LogEntry) error { return nil }

	t.Run("truncated", func(t *testing.T) {
		err := DecodeStream(bytes.NewReader(stream[:len(stream)-2]), 128, nil, collect)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("buffer too small", func(t *testing.T) {
		err := DecodeStream(bytes.NewReader(stream), 16, nil, collect)
		require.ErrorIs(t, err, Framing.ErrFrameTooLarge)
	})

	t.Run("callback stops", func(t *testing.T) {
		stop := errors.New("stop")
		calls := 0
		err := DecodeStream(bytes.NewReader(stream), 128, nil, func(LogEntry) error {
			calls++
			return stop
		})
		require.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})

	t.Run("malformed", func(t *testing.T) {
		err := DecodeStream(bytes.NewReader([]byte{0xff, 0x00}), 128, nil, collect)
		require.ErrorIs(t, err, Framing.ErrMalformed)
	})
}
