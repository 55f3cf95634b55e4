// Package client is the interactive key-value client. It discovers the
// cluster through a connect exchange with any replica, then issues
// numbered requests to the primary of the current view.
package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mgentili/govr/kvstore"
	"github.com/mgentili/govr/transport"
	"github.com/mgentili/govr/vr"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	// Configuration, CurrentView and Epoch are learned from the connect
	// exchange. CurrentView also advances when a reply carries a higher
	// view; Configuration and Epoch are not updated after connect.
	Configuration []string
	CurrentView   uint64
	Epoch         uint64

	ID            string
	RequestNumber uint64

	httpc *http.Client
}

// New connects to the replica at addr and learns the cluster layout.
func New(addr string) (*Client, error) {
	c := &Client{
		ID:    uuid.NewString(),
		httpc: &http.Client{Timeout: defaultTimeout},
	}
	msg, err := c.post(addr, vr.ConnectMsg{ClientID: c.ID})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to replica")
	}
	connect, ok := msg.(vr.ConnectMsg)
	if !ok {
		return nil, errors.Errorf("expected connect response, got %q", msg.Kind())
	}
	c.Configuration = connect.Configuration
	c.CurrentView = connect.CurrentView
	c.Epoch = connect.Epoch
	if len(c.Configuration) == 0 {
		return nil, errors.New("replica reported an empty configuration")
	}
	return c, nil
}

// primaryAddr is the address of the current view's primary.
func (c *Client) primaryAddr() string {
	return c.Configuration[c.CurrentView%uint64(len(c.Configuration))]
}

// Do submits one operation to the primary and returns its result.
func (c *Client) Do(op kvstore.Op) (kvstore.Result, error) {
	req := vr.RequestMsg[kvstore.Op, kvstore.Result]{
		Op:            op,
		ClientID:      c.ID,
		RequestNumber: c.RequestNumber,
	}
	c.RequestNumber++

	msg, err := c.post(c.primaryAddr(), req)
	if err != nil {
		return nil, errors.Wrap(err, "submitting request")
	}
	switch m := msg.(type) {
	case vr.ReplyMsg[kvstore.Op, kvstore.Result]:
		if m.ViewNumber > c.CurrentView {
			c.CurrentView = m.ViewNumber
		}
		if m.Result == nil {
			return nil, nil
		}
		return *m.Result, nil
	case vr.ErrorMsg:
		return nil, errors.New(m.Message)
	default:
		return nil, errors.Errorf("unexpected reply kind %q", msg.Kind())
	}
}

func (c *Client) Set(key, value string) (kvstore.Result, error) {
	return c.Do(kvstore.SetOp(key, value))
}

func (c *Client) Get(key string) (kvstore.Result, error) {
	return c.Do(kvstore.GetOp(key))
}

func (c *Client) Del(key string) (kvstore.Result, error) {
	return c.Do(kvstore.DelOp(key))
}

func (c *Client) post(addr string, msg vr.Message[kvstore.Op, kvstore.Result]) (vr.Message[kvstore.Op, kvstore.Result], error) {
	data, err := transport.EncodeMessage[kvstore.Op, kvstore.Result](msg)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Post(fmt.Sprintf("http://%s/", addr), "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return transport.DecodeMessage[kvstore.Op, kvstore.Result](body)
}
