package SparkServer

import (
	"context"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
)

// PodRequest is a server initiated request waiting for the pod's acknowledgement.
type PodRequest struct {
	message  *message.Message
	ctx      context.Context
	Response []byte
	Err      error
	Ready    chan struct{}
	once     sync.Once
}

func NewPodRequest(ctx context.Context, msg *message.Message) *PodRequest {
	return &PodRequest{
		message: msg,
		ctx:     ctx,
		Ready:   make(chan struct{}),
	}
}

func (pr *PodRequest) SetResponse(resp []byte) {
	pr.once.Do(func() {
		pr.Response = resp
		close(pr.Ready)
	})
}

func (pr *PodRequest) fail(err error) {
	pr.once.Do(func() {
		pr.Err = err
		close(pr.Ready)
	})
}

// Wait blocks until the response arrives, closed is closed or the request's
// context is done.
func (pr *PodRequest) Wait(closed <-chan struct{}) ([]byte, error) {
	select {
	case <-pr.Ready:
	case <-closed:
		pr.fail(ErrConnectionClosed)
	case <-pr.ctx.Done():
		pr.fail(pr.ctx.Err())
	}
	<-pr.Ready
	return pr.Response, pr.Err
}
