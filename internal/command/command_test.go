package command

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/visiona/igtlserver/internal/model"
	"github.com/visiona/igtlserver/internal/registry"
)

type countingHandler struct{ calls int }

func (h *countingHandler) Execute(ctx context.Context, req model.CommandRequest) model.CommandResponse {
	h.calls++
	return model.CommandResponse{Kind: model.ResponseString, ClientID: req.ClientID, Status: true}
}

type fakeConn struct{ net.Conn }

func (fakeConn) RemoteAddr() net.Addr { return &net.TCPAddr{} }

func TestEnqueue_DedupesByUID(t *testing.T) {
	reg := registry.New()
	id := reg.Add(fakeConn{}, "trace-1")

	handler := &countingHandler{}
	proc := New(nil, reg, handler, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proc.Run(ctx)

	proc.Enqueue(model.CommandRequest{ClientID: id, UID: "42", CommandXML: "<Cmd/>"})
	proc.Enqueue(model.CommandRequest{ClientID: id, UID: "42", CommandXML: "<Cmd/>"})

	require.Eventually(t, func() bool { return len(proc.DrainResponses()) > 0 || handler.calls > 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 1, handler.calls)
}

func TestEnqueue_ClearsUIDSetAfterTimeout(t *testing.T) {
	reg := registry.New()
	id := reg.Add(fakeConn{}, "trace-1")

	now := time.Now()
	reg.RecordUID(id, "7", now)
	require.True(t, reg.HasSeenUID(id, "7"))

	err := reg.TouchCommandTime(id, now.Add(31*time.Second), ClearPreviousCommandsTimeout)
	require.NoError(t, err)
	require.False(t, reg.HasSeenUID(id, "7"))
}
