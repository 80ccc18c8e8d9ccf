package Framing

import (
	"context"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// DecodeCoap decodes one CoAP message carried in a frame.
func DecodeCoap(frame []byte) (*pool.Message, error) {
	msg := pool.NewMessage(context.Background())
	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, frame); err != nil {
		return nil, fmt.Errorf("%w: coap: %v", ErrMalformed, err)
	}
	return msg, nil
}

// EncodeCoap encodes msg with the datagram coder used on the wire.
func EncodeCoap(msg message.Message) ([]byte, error) {
	out := pool.NewMessage(context.Background())
	out.SetMessage(msg)
	data, err := out.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("coap encode: %w", err)
	}
	return data, nil
}
