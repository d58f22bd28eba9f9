package server

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mockchannel "github.com/visiona/igtlserver/internal/channel/mock"
	"github.com/visiona/igtlserver/internal/config"
	"github.com/visiona/igtlserver/internal/igtl"
	"github.com/visiona/igtlserver/internal/message"
	"github.com/visiona/igtlserver/internal/model"
)

func testConfig(port int) config.DomainConfig {
	return config.DomainConfig{
		ListeningPort:                 port,
		OutputChannelID:               "TestChannel",
		MissingInputGracePeriodSec:    1,
		MaxTimeSpentWithProcessingMs:  50,
		MaxNumberOfIgtlMessagesToSend: 10,
		SendValidTransformsOnly:       true,
		DefaultClientInfo:             model.Subscription{MessageTypes: []string{"TRANSFORM"}},
	}
}

// freePort asks the OS for an ephemeral port, so parallel test runs never
// collide on a fixed listening port.
func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestServer_StartAcceptsOneClientAndSendsAFrame(t *testing.T) {
	port := freePort(t)
	ch := mockchannel.New(nil, 50, 4, 4, 30)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch.Start(ctx)
	defer ch.Stop()

	srv := New(testConfig(port), Options{Channel: ch})
	require.NoError(t, srv.Start())
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = srv.Stop(stopCtx)
	}()

	time.Sleep(100 * time.Millisecond)
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return srv.registry.NumConnected() == 1
	}, 2*time.Second, 20*time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	headerBuf := make([]byte, igtl.HeaderSize)
	_, err = readFull(conn, headerBuf)
	require.NoError(t, err)
	h, err := igtl.DecodeHeader(headerBuf)
	require.NoError(t, err)
	require.NotEmpty(t, h.DeviceType)
	require.Equal(t, "TRANSFORM", h.DeviceType)
}

func TestServer_StopLeavesAllWorkersStopped(t *testing.T) {
	port := freePort(t)
	ch := mockchannel.New(nil, 50, 0, 0, 30)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch.Start(ctx)
	defer ch.Stop()

	srv := New(testConfig(port), Options{Channel: ch})
	require.NoError(t, srv.Start())

	time.Sleep(50 * time.Millisecond)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	require.NoError(t, srv.Stop(stopCtx))

	require.False(t, srv.acceptorRunning.Load())
	require.False(t, srv.senderRunning.Load())
	require.False(t, srv.receiverRunning.Load())
}

func TestBroadcastFrame_RoutesToEveryClient(t *testing.T) {
	port := freePort(t)
	factory := &message.StaticFactory{Messages: []message.WireMessage{
		{DeviceType: "TRANSFORM", DeviceName: "ProbeToReference", Body: []byte{1, 2, 3}},
	}}

	srv := New(testConfig(port), Options{Factory: factory})
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	srv.registry.Add(a, "trace-1")

	done := make(chan struct{})
	go func() {
		buf := make([]byte, igtl.HeaderSize+3)
		_, _ = readFull(b, buf)
		close(done)
	}()

	frame := mockTrackedFrame()
	srv.broadcastFrame(&frame)
	<-done
	require.Len(t, factory.Calls, 1)
}

func mockTrackedFrame() model.TrackedFrame {
	return model.TrackedFrame{
		Timestamp:  1.0,
		TraceID:    "trace-0",
		Transforms: map[string]model.Transform{"ProbeToReference": model.Identity()},
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
