// Package server exposes the daemon's control surface: a JSON-RPC 2.0
// endpoint over WebSocket for task and job status queries, task
// cancellation, and push notifications.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	cws "github.com/coder/websocket"
	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/spf13/afero"

	"github.com/chanfetch/chanfetch/internal/notify"
	"github.com/chanfetch/chanfetch/internal/store"
	"github.com/chanfetch/chanfetch/pkg/fetchlib"
	"github.com/chanfetch/chanfetch/pkg/logger"
)

// wsChannel adapts a coder/websocket.Conn to the jrpc2 Channel interface.
// Each WebSocket connection gets one wsChannel bridging read/write between
// the transport and the jrpc2 server.
type wsChannel struct {
	conn *cws.Conn
	ctx  context.Context
}

// Send writes a JSON-RPC message to the WebSocket connection.
func (c *wsChannel) Send(data []byte) error {
	return c.conn.Write(c.ctx, cws.MessageText, data)
}

// Recv reads a JSON-RPC message from the WebSocket connection.
func (c *wsChannel) Recv() ([]byte, error) {
	_, data, err := c.conn.Read(c.ctx)
	return data, err
}

// Close shuts down the WebSocket connection with a normal closure status.
func (c *wsChannel) Close() error {
	return c.conn.Close(cws.StatusNormalClosure, "")
}

// Server is the daemon control server.
type Server struct {
	store    *store.Store
	runner   *fetchlib.Runner
	coord    *fetchlib.Coordinator
	fs       afero.Fs
	notifier *notify.RPCNotifier
	log      logger.Logger

	httpSrv *http.Server
	methods handler.Map
}

// New creates a control server listening on addr.
func New(addr string, st *store.Store, runner *fetchlib.Runner, coord *fetchlib.Coordinator, fs afero.Fs, notifier *notify.RPCNotifier, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNopLogger()
	}
	s := &Server{
		store:    st,
		runner:   runner,
		coord:    coord,
		fs:       fs,
		notifier: notifier,
		log:      l,
	}
	s.methods = handler.Map{
		"task.list":   handler.New(s.taskList),
		"task.status": handler.New(s.taskStatus),
		"task.cancel": handler.New(s.taskCancel),
		"job.status":  handler.New(s.jobStatus),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving on the configured address. It returns once the
// listener is bound; serving continues in the background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server: serve: %v", err)
		}
	}()
	s.log.Info("server: listening on %s", ln.Addr())
	return nil
}

// Shutdown drains connections and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleWS upgrades one connection and serves JSON-RPC on it until the
// client disconnects. The per-connection jrpc2 server is registered with
// the notifier for the lifetime of the connection so it receives pushes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := cws.Accept(w, r, nil)
	if err != nil {
		s.log.Warning("server: websocket accept: %v", err)
		return
	}
	ch := &wsChannel{conn: conn, ctx: r.Context()}
	srv := jrpc2.NewServer(s.methods, &jrpc2.ServerOptions{AllowPush: true})
	srv.Start(ch)
	if s.notifier != nil {
		s.notifier.Register(srv)
		defer s.notifier.Unregister(srv)
	}
	if err := srv.Wait(); err != nil {
		s.log.Info("server: connection closed: %v", err)
	}
}
