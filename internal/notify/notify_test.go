package notify

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"github.com/creachadair/jrpc2/handler"

	"github.com/chanfetch/chanfetch/common"
	"github.com/chanfetch/chanfetch/pkg/logger"
)

// newTestServer creates a push-capable jrpc2 server over an io.Pipe channel.
// The returned client channel must be drained or closed, otherwise pushes
// block.
func newTestServer(t *testing.T) (channel.Channel, *jrpc2.Server, func()) {
	t.Helper()
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	cli := channel.Line(cr, cw)
	srvCh := channel.Line(sr, sw)

	srv := jrpc2.NewServer(handler.Map{}, &jrpc2.ServerOptions{AllowPush: true})
	srv.Start(srvCh)

	cleanup := func() {
		cli.Close()
		_ = srv.Wait()
	}
	return cli, srv, cleanup
}

func TestRegisterUnregister(t *testing.T) {
	n := New(nil)
	if n.Count() != 0 {
		t.Fatalf("count = %d, want 0", n.Count())
	}

	_, srv, cleanup := newTestServer(t)
	defer cleanup()

	n.Register(srv)
	if n.Count() != 1 {
		t.Fatalf("count = %d after register, want 1", n.Count())
	}
	n.Unregister(srv)
	if n.Count() != 0 {
		t.Fatalf("count = %d after unregister, want 0", n.Count())
	}
	// Unregistering an unknown server is a no-op.
	n.Unregister(srv)
}

func TestPublishDeliversNotification(t *testing.T) {
	n := New(nil)
	cli, srv, cleanup := newTestServer(t)
	defer cleanup()
	n.Register(srv)

	received := make(chan []byte, 1)
	go func() {
		data, _ := cli.Recv()
		received <- data
	}()

	n.Publish(common.MethodSyncDelta, common.SyncDeltaEvent{ResourceKey: "news", Inserted: 3})

	select {
	case data := <-received:
		var note struct {
			Method string                `json:"method"`
			Params common.SyncDeltaEvent `json:"params"`
		}
		if err := json.Unmarshal(data, &note); err != nil {
			t.Fatalf("unmarshal notification: %v", err)
		}
		if note.Method != common.MethodSyncDelta || note.Params.Inserted != 3 {
			t.Errorf("notification = %+v", note)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}

	if n.Count() != 1 {
		t.Errorf("count = %d after successful publish, want 1", n.Count())
	}
}

func TestPublishDropsDisconnectedServer(t *testing.T) {
	n := New(logger.NewNopLogger())
	cli, srv, _ := newTestServer(t)
	n.Register(srv)

	cli.Close()
	_ = srv.Wait()

	n.Publish(common.MethodSyncDelta, common.SyncDeltaEvent{ResourceKey: "news", Inserted: 1})
	if n.Count() != 0 {
		t.Errorf("count = %d after failed publish, want 0", n.Count())
	}
}

func TestPublishNoServers(t *testing.T) {
	n := New(nil)
	// Publishing into an empty set must not panic or block.
	n.Publish(common.MethodTaskStarted, common.TaskStartedEvent{TaskID: "t1"})
}
