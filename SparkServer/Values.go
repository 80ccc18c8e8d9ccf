package SparkServer

import (
	"context"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// ReadValue asks the pod for a named variable (GET /v/<verb>).
func (c *PodConnection) ReadValue(ctx context.Context, verb string) (string, error) {
	msg := message.Message{
		Options: message.Options{{ID: message.URIPath, Value: []byte("v")}, {ID: message.URIPath, Value: []byte(verb)}},
		Code:    codes.GET,
		Type:    message.Confirmable,
	}
	resp, err := c.Request(ctx, &msg)
	if err != nil {
		return "", err
	}
	return unwrapQuotes(string(resp)), nil
}

// CallFunction invokes a pod function with one argument (POST /f/<name>?<arg>).
func (c *PodConnection) CallFunction(ctx context.Context, name, arg string) ([]byte, error) {
	msg := message.Message{
		Options: message.Options{
			{ID: message.URIPath, Value: []byte("f")},
			{ID: message.URIPath, Value: []byte(name)},
			{ID: message.URIQuery, Value: []byte(arg)},
		},
		Code: codes.POST,
		Type: message.Confirmable,
	}
	return c.Request(ctx, &msg)
}

func unwrapQuotes(s string) string {
	if len(s) > 0 && s[0] == '"' {
		s = s[1:]
	}
	if len(s) > 0 && s[len(s)-1] == '"' {
		s = s[:len(s)-1]
	}
	return s
}
