package simulator

import (
	"sort"

	"github.com/mgentili/govr/vr"
)

// Client is the minimal client model: it issues numbered requests at the
// current primary and consumes Reply messages. It keeps every reply it
// receives so tests can assert on count and content.
type Client[I, O any] struct {
	ID            string
	Configuration []string
	CurrentView   uint64
	Epoch         uint64
	RequestNumber uint64

	Replies []vr.ReplyMsg[I, O]
	Errors  []string
}

func NewClient[I, O any](id string, configuration []string) *Client[I, O] {
	cfg := append([]string(nil), configuration...)
	sort.Strings(cfg)
	return &Client[I, O]{ID: id, Configuration: cfg}
}

// NextRequest builds a Request with the client's next request number.
func (c *Client[I, O]) NextRequest(op I) vr.RequestMsg[I, O] {
	msg := vr.RequestMsg[I, O]{Op: op, ClientID: c.ID, RequestNumber: c.RequestNumber}
	c.RequestNumber++
	return msg
}

// RequestNumbered builds a Request with an explicit request number and
// leaves the client's own counter alone.
func (c *Client[I, O]) RequestNumbered(op I, requestNumber uint64) vr.RequestMsg[I, O] {
	return vr.RequestMsg[I, O]{Op: op, ClientID: c.ID, RequestNumber: requestNumber}
}

func (c *Client[I, O]) OnMessage(msg vr.Message[I, O]) {
	switch m := msg.(type) {
	case vr.ReplyMsg[I, O]:
		c.Replies = append(c.Replies, m)
		if m.ViewNumber > c.CurrentView {
			c.CurrentView = m.ViewNumber
		}
	case vr.ConnectMsg:
		c.Configuration = m.Configuration
		c.CurrentView = m.CurrentView
		c.Epoch = m.Epoch
	case vr.ErrorMsg:
		c.Errors = append(c.Errors, m.Message)
	}
}
