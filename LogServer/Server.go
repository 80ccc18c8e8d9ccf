package LogServer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"PodLogServer/Common"
	"PodLogServer/Framing"
	"PodLogServer/Ingest"
	"PodLogServer/ReceiveBuffer"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

var ErrBufferTooSmall = errors.New("receive buffer too small for the stream")

type Options struct {
	Port       int
	SaveFiles  bool
	FilePath   string
	BufferSize int
	ChunkSize  int
	// AckBatchStart sends the batch ack when the header arrives instead of
	// after the break code.
	AckBatchStart bool
	// DecodeEntries logs every decoded LogEntry at debug level.
	DecodeEntries bool
}

type LogServer struct {
	opts     Options
	registry *Common.Registry
	logger   *zap.Logger
}

func NewLogServer(opts Options, registry *Common.Registry, logger *zap.Logger) *LogServer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 16 * 1024
	}
	if registry == nil {
		registry = Common.NewRegistry()
	}
	return &LogServer{
		opts:     opts,
		registry: registry,
		logger:   logger.Named("log"),
	}
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *LogServer) Start(ctx context.Context) error {
	s.logger.Info("Starting LogServer", zap.Int("port", s.opts.Port))
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp4", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.opts.Port, err)
	}
	return s.ServeListener(ctx, l)
}

// ServeListener accepts connections from l until ctx is cancelled, then waits
// for the open connections to finish.
func (s *LogServer) ServeListener(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Failed to accept connection", zap.Error(err))
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Serve(ctx, c); err != nil {
				s.logger.Error("Connection dropped", zap.String("remote_addr", c.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}

// Serve runs the log protocol on one connection until the peer disconnects or
// ctx is cancelled. It always closes conn.
func (s *LogServer) Serve(ctx context.Context, conn net.Conn) error {
	remote := conn.RemoteAddr().String()
	session := s.registry.Open(Common.SessionKindLog, remote)
	logger := s.logger.With(zap.String("session", session.Id), zap.String("remote_addr", remote))
	logger.Info("Client connected")

	buf := ReceiveBuffer.New[byte](s.opts.BufferSize)
	c := &connection{
		opts: s.opts,
		conn: conn,
		buf:  buf,
		reader: Ingest.NewReader(conn, buf,
			Ingest.WithChunkSize(s.opts.ChunkSize),
			Ingest.WithLogger(logger)),
		session: session,
		logger:  logger,
	}
	if s.opts.DecodeEntries {
		c.entries = NewEntryDecoder(s.opts.BufferSize, logger)
	}
	c.setState(StateClientHello)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
		c.abortBatch()
		s.registry.Close(session.Id)
		logger.Info("Client disconnected")
	}()

	err := c.run()
	if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// connection holds the per-connection protocol state.
type connection struct {
	opts    Options
	conn    net.Conn
	buf     *ReceiveBuffer.Buffer[byte]
	reader  *Ingest.Reader
	session *Common.Session
	logger  *zap.Logger
	entries *EntryDecoder

	state state
	batch *batchFile
}

func (c *connection) setState(st state) {
	c.state = st
	c.session.SetState(st.String())
}

func (c *connection) run() error {
	for {
		n, readErr := c.reader.ReadOnce()
		c.session.AddBytesRead(n)
		c.session.ObserveBuffer(c.buf)

		if errors.Is(readErr, Ingest.ErrBackPressure) {
			c.session.AddBackPressure()
			before := c.buf.Size()
			if err := c.process(); err != nil {
				return err
			}
			if c.buf.Size() == before {
				return fmt.Errorf("%w: %d bytes buffered in state %s", ErrBufferTooSmall, before, c.state)
			}
			continue
		}

		// bytes that came with an error are still committed
		if err := c.process(); err != nil {
			return err
		}
		c.session.ObserveBuffer(c.buf)
		if readErr != nil {
			return readErr
		}
	}
}

// process advances the state machine as far as the buffered bytes allow.
func (c *connection) process() error {
	for {
		progressed, err := c.step()
		if err != nil || !progressed {
			return err
		}
	}
}

func (c *connection) step() (bool, error) {
	switch c.state {
	case StateClientHello:
		return c.handleHello()
	case StateWaitingForStreamStart:
		return c.handleBatchStart()
	case StateReceivingStream:
		return c.handleStream()
	}
	return false, nil
}

func (c *connection) handleHello() (bool, error) {
	req, ok, err := Framing.DecodeRecord[WelcomeMessage](c.buf)
	if err != nil {
		c.logger.Error("Error unmarshalling welcome message", zap.Error(err))
		c.buf.Clear()
		return false, nil
	}
	if !ok {
		return false, nil
	}
	c.session.SetDeviceId(req.DeviceId)
	c.setState(StateWaitingForStreamStart)
	if err := c.send(WelcomeResponse{Proto: "raw", Part: "session"}); err != nil {
		return false, fmt.Errorf("send handshake response: %w", err)
	}
	c.logger.Info("Device Connected", zap.String("device_id", req.DeviceId), zap.String("version", req.Version))
	return true, nil
}

func (c *connection) handleBatchStart() (bool, error) {
	if c.buf.Size() < batchStartLen {
		return false, nil
	}
	batchId, err := parseBatchStart(c.buf.Data()[:batchStartLen])
	if err != nil {
		c.logger.Error("Invalid batch start packet received", zap.Binary("header", c.buf.Data()[:batchStartLen]))
		c.buf.Clear()
		return false, nil
	}
	_ = c.buf.Consume(batchStartLen)

	batch, err := openBatchFile(c.opts.FilePath, batchId, c.opts.SaveFiles)
	if err != nil {
		return false, err
	}
	c.batch = batch
	batchIdHex := fmt.Sprintf("%08X", batchId)
	if c.opts.SaveFiles {
		c.logger.Info("Receiving stream", zap.String("batch_id", batchIdHex), zap.String("file", batch.name))
	} else {
		c.logger.Info("Receiving stream (not saving)", zap.String("batch_id", batchIdHex), zap.String("file", batch.name))
	}
	c.setState(StateReceivingStream)
	if c.opts.AckBatchStart {
		if err := c.sendAck(batchId); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *connection) handleStream() (bool, error) {
	result, extractErr := Framing.ExtractByteStrings(c.buf)
	c.session.AddFrames(len(result.Data))
	for _, chunk := range result.Data {
		if err := c.batch.write(chunk); err != nil {
			c.logger.Error("Error writing to file", zap.Error(err))
		}
		c.decodeEntries(chunk)
	}
	if err := c.batch.flush(); err != nil {
		c.logger.Error("Error flushing file", zap.Error(err))
	}
	if extractErr != nil {
		return false, extractErr
	}
	if !result.ResetFound {
		return false, nil
	}

	batch := c.batch
	c.batch = nil
	if err := batch.close(); err != nil {
		c.logger.Error("Error closing file", zap.Error(err))
	}
	if c.entries != nil {
		c.entries.Reset()
	}
	c.session.AddBatch()
	c.logger.Info("Stream finished",
		zap.String("batch_id", fmt.Sprintf("%08X", batch.id)),
		zap.Uint64("bytes_received", batch.bytes))
	c.setState(StateWaitingForStreamStart)
	if !c.opts.AckBatchStart {
		if err := c.sendAck(batch.id); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *connection) decodeEntries(chunk []byte) {
	if c.entries == nil {
		return
	}
	entries, err := c.entries.Write(chunk)
	for _, e := range entries {
		c.logger.Debug("Log entry",
			zap.Uint32("ts", e.Ts),
			zap.String("level", e.Level),
			zap.String("type", e.Type),
			zap.String("msg", e.Msg))
	}
	if err != nil {
		c.logger.Warn("Cannot decode log entries, dropping partial records", zap.Error(err))
		c.entries.Reset()
	}
}

// abortBatch closes a batch cut short by a disconnect.
func (c *connection) abortBatch() {
	if c.batch == nil {
		return
	}
	if err := c.batch.close(); err != nil {
		c.logger.Error("Error closing file", zap.Error(err))
	}
	if c.opts.SaveFiles {
		c.logger.Info("Closed open file due to client disconnect.", zap.String("file", c.batch.name))
	}
	c.batch = nil
}

func (c *connection) sendAck(batchId uint32) error {
	if err := c.send(FileAckResponse{Proto: "raw", Part: "batch", Id: batchId}); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}
	return nil
}

func (c *connection) send(v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}
