package transport_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anhhoan/roomchat/pkg/transport"
	"github.com/coder/websocket"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// dialTestConnection upgrades a real WebSocket pair through an in-process
// server and wraps the client side in a transport.Connection.
func dialTestConnection(t *testing.T) *transport.Connection {
	t.Helper()

	serverDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		<-serverDone
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(serverDone) })

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancelDial)
	wsConn, _, err := websocket.Dial(dialCtx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	wg := &sync.WaitGroup{}
	config := transport.ConnectionConfig{ReadTimeout: time.Minute}
	return transport.NewConnection(context.Background(), wg, wsConn, config, nil, nil, newTestLogger())
}

func TestSendAfterCloseDoesNotPanic(t *testing.T) {
	conn := dialTestConnection(t)

	conn.Close(nil)
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not terminate after Close")
	}

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Send after Close panicked: %v", r)
		}
	}()
	// Well past the send buffer capacity, so dropped messages are exercised too.
	for i := 0; i < 1000; i++ {
		conn.Send([]byte("late broadcast"))
	}
}

func TestConcurrentSendAndClose(t *testing.T) {
	conn := dialTestConnection(t)
	conn.Run()

	var senders sync.WaitGroup
	for i := 0; i < 50; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("concurrent Send panicked: %v", r)
				}
			}()
			for j := 0; j < 100; j++ {
				conn.Send([]byte("burst"))
			}
		}()
	}

	// Tear down mid-burst, as a disconnect racing another member's broadcast.
	conn.Close(errors.New("client gone"))
	senders.Wait()

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not terminate after Close")
	}
}
