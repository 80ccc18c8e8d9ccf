package LogServer

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PodLogServer/Common"
	"PodLogServer/Framing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type reply struct {
	Proto string `cbor:"proto"`
	Part  string `cbor:"part"`
	Id    uint32 `cbor:"id"`
}

type pipeSession struct {
	client   net.Conn
	replies  chan reply
	done     chan error
	registry *Common.Registry
	cancel   context.CancelFunc
}

func startPipe(t *testing.T, opts Options) *pipeSession {
	t.Helper()
	return startPipeWithLogger(t, opts, zaptest.NewLogger(t))
}

func startPipeWithLogger(t *testing.T, opts Options, logger *zap.Logger) *pipeSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	server, client := net.Pipe()
	p := &pipeSession{
		client:   client,
		replies:  make(chan reply, 16),
		done:     make(chan error, 1),
		registry: Common.NewRegistry(),
		cancel:   cancel,
	}
	s := NewLogServer(opts, p.registry, logger)
	go func() {
		p.done <- s.Serve(ctx, server)
	}()
	go func() {
		defer close(p.replies)
		dec := cbor.NewDecoder(client)
		for {
			var r reply
			if err := dec.Decode(&r); err != nil {
				return
			}
			p.replies <- r
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		<-p.done
	})
	return p
}

func (p *pipeSession) write(t *testing.T, data []byte) {
	t.Helper()
	_, err := p.client.Write(data)
	require.NoError(t, err)
}

func (p *pipeSession) expectReply(t *testing.T) reply {
	t.Helper()
	select {
	case r, ok := <-p.replies:
		require.True(t, ok, "connection closed before reply")
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	return reply{}
}

func (p *pipeSession) closeAndWait(t *testing.T) error {
	t.Helper()
	_ = p.client.Close()
	select {
	case err := <-p.done:
		p.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not return")
	}
	return nil
}

func helloPacket(t *testing.T) []byte {
	t.Helper()
	data, err := cbor.Marshal(WelcomeMessage{Proto: "raw", Version: "1.0", Part: "session", DeviceId: "abcdef123456"})
	require.NoError(t, err)
	return data
}

func batchStream(t *testing.T, id uint32, chunks ...[]byte) []byte {
	t.Helper()
	out := AppendBatchStart(nil, id)
	for _, c := range chunks {
		data, err := cbor.Marshal(c)
		require.NoError(t, err)
		out = append(out, data...)
	}
	return append(out, 0xff)
}

func testChunks(n, size int) [][]byte {
	chunks := make([][]byte, n)
	for i := range chunks {
		chunks[i] = bytes.Repeat([]byte{byte('a' + i)}, size)
	}
	return chunks
}

func TestServeSavesBatch(t *testing.T) {
	dir := t.TempDir()
	p := startPipe(t, Options{SaveFiles: true, FilePath: dir, BufferSize: 128, ChunkSize: 7})

	chunks := testChunks(5, 40)
	p.write(t, append(helloPacket(t), batchStream(t, 0xC0FFEE01, chunks...)...))

	assert.Equal(t, reply{Proto: "raw", Part: "session"}, p.expectReply(t))
	assert.Equal(t, reply{Proto: "raw", Part: "batch", Id: 0xC0FFEE01}, p.expectReply(t))

	require.NoError(t, p.closeAndWait(t))
	got, err := os.ReadFile(filepath.Join(dir, "C0FFEE01.RAW"))
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(chunks, nil), got)
	assert.Equal(t, 0, p.registry.Len())
}

func TestServeBackToBackBatches(t *testing.T) {
	p := startPipe(t, Options{BufferSize: 64, ChunkSize: 13})

	p.write(t, helloPacket(t))
	p.expectReply(t)

	stream := batchStream(t, 1, testChunks(4, 30)...)
	stream = append(stream, batchStream(t, 2, testChunks(3, 20)...)...)
	p.write(t, stream)

	assert.Equal(t, uint32(1), p.expectReply(t).Id)
	assert.Equal(t, uint32(2), p.expectReply(t).Id)

	snap := p.registry.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "abcdef123456", snap[0].DeviceId)
	assert.Equal(t, Common.SessionKindLog, snap[0].Kind)
	assert.Equal(t, uint64(2), snap[0].Batches)
	assert.Equal(t, uint64(7), snap[0].Frames)
	assert.Equal(t, uint64(len(helloPacket(t))+len(stream)), snap[0].BytesRead)
	assert.Positive(t, snap[0].Compactions, "64 byte window has to slide")
	assert.Equal(t, StateWaitingForStreamStart.String(), snap[0].State)

	require.NoError(t, p.closeAndWait(t))
}

func TestServeAckOnBatchStart(t *testing.T) {
	dir := t.TempDir()
	p := startPipe(t, Options{SaveFiles: true, FilePath: dir, AckBatchStart: true})

	p.write(t, helloPacket(t))
	p.expectReply(t)

	stream := batchStream(t, 7, []byte("one"), []byte("two"))
	p.write(t, stream[:batchStartLen])
	assert.Equal(t, uint32(7), p.expectReply(t).Id, "ack before any data")

	p.write(t, stream[batchStartLen:])
	require.NoError(t, p.closeAndWait(t))

	got, err := os.ReadFile(batchFileName(dir, 7))
	require.NoError(t, err)
	assert.Equal(t, []byte("onetwo"), got)
}

func TestServeSkipsInvalidBatchStart(t *testing.T) {
	p := startPipe(t, Options{})

	p.write(t, helloPacket(t))
	p.expectReply(t)

	p.write(t, bytes.Repeat([]byte{0x42}, batchStartLen))
	p.write(t, batchStream(t, 3, []byte("ok")))
	assert.Equal(t, uint32(3), p.expectReply(t).Id)
	require.NoError(t, p.closeAndWait(t))
}

func TestServeKeepsBytesAfterBreak(t *testing.T) {
	p := startPipe(t, Options{BufferSize: 256})

	// the first batch and the start of the next one in a single packet
	first := batchStream(t, 10, []byte("x"))
	second := batchStream(t, 11, []byte("y"))
	packet := append(helloPacket(t), first...)
	packet = append(packet, second[:20]...)
	p.write(t, packet)

	p.expectReply(t)
	assert.Equal(t, uint32(10), p.expectReply(t).Id)

	p.write(t, second[20:])
	assert.Equal(t, uint32(11), p.expectReply(t).Id)
	require.NoError(t, p.closeAndWait(t))
}

func TestServeDisconnectMidBatch(t *testing.T) {
	dir := t.TempDir()
	p := startPipe(t, Options{SaveFiles: true, FilePath: dir})

	p.write(t, helloPacket(t))
	p.expectReply(t)
	stream := batchStream(t, 0xAB, []byte("partial"), []byte("never"))
	p.write(t, stream[:len(stream)-4])

	require.NoError(t, p.closeAndWait(t))
	got, err := os.ReadFile(batchFileName(dir, 0xAB))
	require.NoError(t, err)
	assert.Equal(t, []byte("partial"), got)
}

func TestServeFrameTooLarge(t *testing.T) {
	p := startPipe(t, Options{BufferSize: 64})

	p.write(t, helloPacket(t))
	p.expectReply(t)
	p.write(t, AppendBatchStart(nil, 1))
	p.write(t, []byte{0x59, 0x01, 0x00})

	err := p.closeAndWait(t)
	require.ErrorIs(t, err, Framing.ErrFrameTooLarge)
}

func TestServeBufferTooSmallForHello(t *testing.T) {
	p := startPipe(t, Options{BufferSize: 16})

	hello := helloPacket(t)
	go func() {
		_, _ = p.client.Write(hello)
	}()
	select {
	case err := <-p.done:
		p.done <- err
		require.ErrorIs(t, err, ErrBufferTooSmall)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not drop the connection")
	}
}

func TestServeMalformedHelloIsDropped(t *testing.T) {
	p := startPipe(t, Options{})

	p.write(t, []byte{0xff, 0xff})
	p.write(t, helloPacket(t))
	assert.Equal(t, "session", p.expectReply(t).Part)
	require.NoError(t, p.closeAndWait(t))
}

func TestServeContextCancel(t *testing.T) {
	p := startPipe(t, Options{})
	p.write(t, helloPacket(t))
	p.expectReply(t)

	p.cancel()
	select {
	case err := <-p.done:
		p.done <- err
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server ignored cancellation")
	}
}

func TestServeListener(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	registry := Common.NewRegistry()
	s := NewLogServer(Options{}, registry, zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() {
		done <- s.ServeListener(ctx, l)
	}()

	conn, err := net.Dial("tcp4", l.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write(append(helloPacket(t), batchStream(t, 99, []byte("tcp"))...))
	require.NoError(t, err)

	dec := cbor.NewDecoder(conn)
	var r reply
	require.NoError(t, dec.Decode(&r))
	assert.Equal(t, "session", r.Part)
	require.NoError(t, dec.Decode(&r))
	assert.Equal(t, uint32(99), r.Id)
	require.NoError(t, conn.Close())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.Equal(t, 0, registry.Len())
}

func TestServeDecodeEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p := startPipeWithLogger(t, Options{DecodeEntries: true, BufferSize: 256, ChunkSize: 11}, zap.New(core))

	p.write(t, helloPacket(t))
	p.expectReply(t)

	entries := testEntries(10)
	// 0x41 0x01 is a one byte CBOR byte string, not a payload record
	chunks := [][]byte{{0x41, 0x01}}
	for i, e := range entries {
		data, err := cbor.Marshal(e)
		require.NoError(t, err)
		payload, err := cbor.Marshal(BatchPayload{Seq: uint32(i), Data: data})
		require.NoError(t, err)
		chunks = append(chunks, payload)
	}
	p.write(t, batchStream(t, 9, chunks...))
	assert.Equal(t, uint32(9), p.expectReply(t).Id)

	warnings := logs.FilterMessage("Cannot decode log entries, dropping partial records").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)

	decoded := logs.FilterMessage("Log entry").All()
	require.Len(t, decoded, len(entries), "entries after the bad payload are still decoded")
	for i, rec := range decoded {
		assert.Equal(t, zapcore.DebugLevel, rec.Level)
		fields := rec.ContextMap()
		assert.Equal(t, entries[i].Msg, fields["msg"])
		assert.Equal(t, entries[i].Ts, fields["ts"])
		assert.Equal(t, entries[i].Level, fields["level"])
	}
	assert.Zero(t, logs.FilterMessage("Payload sequence gap").Len())

	require.NoError(t, p.closeAndWait(t))
}

func TestServeWithoutDecodeEntriesLogsNoEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p := startPipeWithLogger(t, Options{}, zap.New(core))

	p.write(t, helloPacket(t))
	p.expectReply(t)

	data, err := cbor.Marshal(testEntries(1)[0])
	require.NoError(t, err)
	payload, err := cbor.Marshal(BatchPayload{Data: data})
	require.NoError(t, err)
	p.write(t, batchStream(t, 3, payload))
	assert.Equal(t, uint32(3), p.expectReply(t).Id)

	assert.Zero(t, logs.FilterMessage("Log entry").Len())
	require.NoError(t, p.closeAndWait(t))
}
