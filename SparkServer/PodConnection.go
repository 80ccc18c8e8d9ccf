package SparkServer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"PodLogServer/Common"
	"PodLogServer/Framing"
	"PodLogServer/Ingest"
	"PodLogServer/ReceiveBuffer"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"go.uber.org/zap"
)

var (
	ErrConnectionClosed = errors.New("pod connection closed")
	ErrBufferTooSmall   = errors.New("receive buffer too small for the frame")
)

// paths the pod reports on that need no reply
var ignoredPaths = map[string]struct{}{
	"/E/spark/device/claim/code":       {},
	"/E/spark/hardware/max_binary":     {},
	"/E/spark/hardware/ota_chunk_size": {},
	"/E/tracing/rat":                   {},
}

type PodConnection struct {
	conn     net.Conn
	buf      *ReceiveBuffer.Buffer[byte]
	reader   *Ingest.Reader
	maxFrame int
	session  *Common.Session
	logger   *zap.Logger
	now      func() time.Time

	messageId uint8 // outgoing mid can only be 0-255, loop back to 0 after that
	sendMutex sync.Mutex

	RequestPipe    chan *PodRequest
	requestMutex   sync.Mutex
	currentRequest *PodRequest
	closed         chan struct{}
}

func NewPodConnection(conn net.Conn, opts Options, session *Common.Session, logger *zap.Logger) *PodConnection {
	buf := ReceiveBuffer.New[byte](opts.BufferSize)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PodConnection{
		conn: conn,
		buf:  buf,
		reader: Ingest.NewReader(conn, buf,
			Ingest.WithChunkSize(opts.ChunkSize),
			Ingest.WithLogger(logger)),
		maxFrame:    opts.MaxFrame,
		session:     session,
		logger:      logger,
		now:         now,
		RequestPipe: make(chan *PodRequest, 100),
		closed:      make(chan struct{}),
	}
}

// HandleConnection reads and answers messages until the connection fails.
func (c *PodConnection) HandleConnection(ctx context.Context) error {
	defer c.shutdown()
	go c.podRequestHandler(ctx)

	for {
		n, readErr := c.reader.ReadOnce()
		c.session.AddBytesRead(n)
		c.session.ObserveBuffer(c.buf)
		if errors.Is(readErr, Ingest.ErrBackPressure) {
			c.session.AddBackPressure()
		}

		frames, err := Framing.ExtractLengthPrefixed(c.buf, c.maxFrame)
		c.session.AddFrames(len(frames))
		for _, frame := range frames {
			if err := c.handleFrame(frame); err != nil {
				return err
			}
		}
		if err != nil {
			return err
		}
		if errors.Is(readErr, Ingest.ErrBackPressure) && len(frames) == 0 {
			return fmt.Errorf("%w: %d bytes buffered", ErrBufferTooSmall, c.buf.Size())
		}
		if readErr != nil && !errors.Is(readErr, Ingest.ErrBackPressure) {
			return readErr
		}
	}
}

func (c *PodConnection) handleFrame(frame []byte) error {
	coapmsg, err := Framing.DecodeCoap(frame)
	if err != nil {
		c.logger.Warn("Dropping undecodable message", zap.Binary("frame", frame), zap.Error(err))
		return nil
	}
	c.logger.Debug("Received message", zap.String("message", coapmsg.String()))

	url, err := coapmsg.Path()
	if err != nil {
		url = "/"
	}
	if url == "/" && coapmsg.Type() == message.Confirmable {
		return c.handleKeepAlive(coapmsg)
	}
	if coapmsg.Type() == message.Acknowledgement {
		c.handleResponse(coapmsg)
		return nil
	}

	switch url {
	case "/h":
		c.session.SetState("hello")
		return c.handleHello()
	case "/e/spark":
		return c.handleESpark(coapmsg)
	case "/t":
		return c.handleTimestamp(coapmsg)
	}
	if _, ok := ignoredPaths[url]; !ok {
		c.logger.Debug("Unhandled message", zap.String("path", url))
	}
	return nil
}

// handleResponse completes the outstanding request the acknowledgement belongs to.
func (c *PodConnection) handleResponse(coapmsg *pool.Message) {
	c.requestMutex.Lock()
	cr := c.currentRequest
	if cr == nil || coapmsg.MessageID() != cr.message.MessageID {
		c.requestMutex.Unlock()
		c.logger.Debug("Received acknowledgement for unknown request, ignoring", zap.Int32("mid", coapmsg.MessageID()))
		return
	}
	c.currentRequest = nil
	c.requestMutex.Unlock()

	body, err := coapmsg.ReadBody()
	if err != nil {
		cr.fail(fmt.Errorf("read response body: %w", err))
		return
	}
	cr.SetResponse(body)
}

func (c *PodConnection) sendMessage(msg *message.Message) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if msg.Type != message.Acknowledgement {
		msg.MessageID = int32(c.messageId)
		msg.Token = []byte{c.messageId}
		c.messageId++
	}

	output, err := Framing.EncodeCoap(*msg)
	if err != nil {
		return err
	}
	final, err := Framing.AppendLengthPrefixed(make([]byte, 0, Framing.LengthPrefixSize+len(output)), output)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(final)
	return err
}

func (c *PodConnection) handleKeepAlive(incoming *pool.Message) error {
	return c.sendMessage(&message.Message{
		MessageID: incoming.MessageID(),
		Type:      message.Acknowledgement,
		Code:      codes.Empty,
		Token:     incoming.Token(),
	})
}

func (c *PodConnection) handleHello() error {
	return c.sendMessage(&message.Message{
		Options: message.Options{{ID: message.URIPath, Value: []byte("h")}},
		Code:    codes.POST,
		Type:    message.NonConfirmable,
	})
}

func (c *PodConnection) handleESpark(incoming *pool.Message) error {
	return c.sendMessage(&message.Message{
		Type:      message.Acknowledgement,
		MessageID: incoming.MessageID(),
		Code:      codes.Empty,
		Token:     incoming.Token(),
	})
}

func (c *PodConnection) handleTimestamp(incoming *pool.Message) error {
	nowbytes := binary.BigEndian.AppendUint32(nil, uint32(c.now().Unix()))
	return c.sendMessage(&message.Message{
		Type:      message.Acknowledgement,
		Code:      codes.Content,
		MessageID: incoming.MessageID(),
		Token:     incoming.Token(),
		Payload:   nowbytes,
	})
}

// Request queues msg for the pod and waits for its acknowledgement.
func (c *PodConnection) Request(ctx context.Context, msg *message.Message) ([]byte, error) {
	req := NewPodRequest(ctx, msg)
	select {
	case c.RequestPipe <- req:
	case <-c.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return req.Wait(c.closed)
}

// podRequestHandler sends queued requests one at a time.
func (c *PodConnection) podRequestHandler(ctx context.Context) {
	for {
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		case req := <-c.RequestPipe:
			if req.ctx.Err() != nil {
				req.fail(req.ctx.Err())
				continue
			}
			// hold the request lock over the send so the ack cannot overtake it
			c.requestMutex.Lock()
			c.currentRequest = req
			err := c.sendMessage(req.message)
			if err != nil {
				c.currentRequest = nil
			}
			c.requestMutex.Unlock()
			if err != nil {
				c.logger.Error("Error sending pod request", zap.Error(err))
				req.fail(err)
				continue
			}

			select {
			case <-req.Ready:
			case <-req.ctx.Done():
				c.requestMutex.Lock()
				if c.currentRequest == req {
					c.currentRequest = nil
				}
				c.requestMutex.Unlock()
				req.fail(req.ctx.Err())
			case <-c.closed:
				return
			}
		}
	}
}

// shutdown fails the outstanding and queued requests.
func (c *PodConnection) shutdown() {
	close(c.closed)
	c.requestMutex.Lock()
	cr := c.currentRequest
	c.currentRequest = nil
	c.requestMutex.Unlock()
	if cr != nil {
		cr.fail(ErrConnectionClosed)
	}
	for {
		select {
		case req := <-c.RequestPipe:
			req.fail(ErrConnectionClosed)
		default:
			return
		}
	}
}
