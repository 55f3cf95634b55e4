package client_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgentili/govr/client"
	"github.com/mgentili/govr/kvstore"
	"github.com/mgentili/govr/transport"
	"github.com/mgentili/govr/vr"
)

// fakeReplica answers connect and request messages the way a single-node
// primary would, without running the protocol.
func fakeReplica(t *testing.T) (*httptest.Server, func() string) {
	t.Helper()
	store := kvstore.New()
	var srv *httptest.Server
	addr := func() string { return strings.TrimPrefix(srv.URL, "http://") }

	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		msg, err := transport.DecodeMessage[kvstore.Op, kvstore.Result](body)
		require.NoError(t, err)

		var out vr.Message[kvstore.Op, kvstore.Result]
		switch m := msg.(type) {
		case vr.ConnectMsg:
			out = vr.ConnectMsg{ClientID: m.ClientID, Configuration: []string{addr()}, CurrentView: 0, Epoch: 0}
		case vr.RequestMsg[kvstore.Op, kvstore.Result]:
			result := store.Apply(m.Op)
			out = vr.ReplyMsg[kvstore.Op, kvstore.Result]{
				ClientID:      m.ClientID,
				RequestNumber: m.RequestNumber,
				Result:        &result,
			}
		default:
			out = vr.ErrorMsg{Message: "unexpected message"}
		}
		data, err := transport.EncodeMessage[kvstore.Op, kvstore.Result](out)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}))
	return srv, addr
}

func TestClientConnectAndRequests(t *testing.T) {
	srv, addr := fakeReplica(t)
	defer srv.Close()

	c, err := client.New(addr())
	require.NoError(t, err)
	assert.Equal(t, []string{addr()}, c.Configuration)
	assert.NotEmpty(t, c.ID)

	result, err := c.Set("x", "1")
	require.NoError(t, err)
	assert.Equal(t, kvstore.Result{"OK"}, result)

	result, err = c.Get("x")
	require.NoError(t, err)
	assert.Equal(t, kvstore.Result{"1"}, result)

	result, err = c.Del("x")
	require.NoError(t, err)
	assert.Equal(t, kvstore.Result{"OK"}, result)

	assert.Equal(t, uint64(3), c.RequestNumber, "request numbers are strictly monotonic")
}

func TestClientSurfacesErrorMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := transport.EncodeMessage[kvstore.Op, kvstore.Result](vr.ErrorMsg{Message: "not primary"})
		require.NoError(t, err)
		w.Write(data)
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	_, err := client.New(addr)
	assert.Error(t, err, "connect must fail when the replica answers with an error")
}

func TestClientRejectsEmptyConfiguration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := transport.EncodeMessage[kvstore.Op, kvstore.Result](vr.ConnectMsg{})
		require.NoError(t, err)
		w.Write(data)
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	_, err := client.New(addr)
	assert.Error(t, err)
}
