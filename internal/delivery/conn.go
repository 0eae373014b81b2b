package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callpilot/internal/callsession"
	"github.com/MrWong99/callpilot/pkg/protocol"
)

const (
	// startTimeout bounds opening the device and engines for one start
	// request. It does not follow the connection: a client that leaves
	// mid-start is handled by the session as a lost delivery.
	startTimeout = 30 * time.Second

	// stopTimeout bounds a client-requested stop. The session's own grace
	// period normally ends it sooner.
	stopTimeout = 30 * time.Second
)

// claim is a session this connection asked for. session is nil until the
// start completes.
type claim struct {
	session       *callsession.Session
	stopRequested bool
}

// conn is one client connection. It is the [callsession.Sink] of every
// session the client started.
type conn struct {
	ws  *websocket.Conn
	srv *Server
	log *slog.Logger

	out       *outbox
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	sessions map[string]*claim

	// control tracks start and stop requests still running.
	control sync.WaitGroup
}

var _ callsession.Sink = (*conn)(nil)

func newConn(ws *websocket.Conn, srv *Server, log *slog.Logger) *conn {
	return &conn{
		ws:       ws,
		srv:      srv,
		log:      log,
		out:      newOutbox(srv.queueSize),
		done:     make(chan struct{}),
		sessions: make(map[string]*claim),
	}
}

// Send queues m without blocking. A full queue sheds partial transcripts
// before anything else.
func (c *conn) Send(m protocol.Message) {
	select {
	case <-c.done:
		return
	default:
	}
	shed, dropped := c.out.push(m)
	if !dropped {
		return
	}
	c.log.Warn("client queue full; dropping message", "type", string(shed.Type), "session_id", shed.SessionID)
	if c.srv.metrics != nil {
		c.srv.metrics.RecordDeliveryDrop(context.Background(), string(shed.Type))
	}
}

// Done implements [callsession.Sink].
func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// run serves the connection until the client leaves, a ping or write fails,
// or ctx ends.
func (c *conn) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.pingLoop(gctx) })
	err := g.Wait()

	c.close()
	c.control.Wait()
	if websocket.CloseStatus(err) != -1 {
		_ = c.ws.CloseNow()
	} else {
		_ = c.ws.Close(websocket.StatusGoingAway, "server closing")
	}
	return err
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		var m protocol.Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.reject("", fmt.Errorf("malformed message: %w", err))
			continue
		}
		if err := m.ValidateInbound(); err != nil {
			c.reject(m.SessionID, err)
			continue
		}
		c.handle(ctx, m)
	}
}

func (c *conn) handle(ctx context.Context, m protocol.Message) {
	c.control.Add(1)
	switch m.Type {
	case protocol.TypeStartSession:
		go func() {
			defer c.control.Done()
			c.start(ctx, m.SessionID)
		}()
	case protocol.TypeStopSession:
		go func() {
			defer c.control.Done()
			c.stop(ctx, m.SessionID)
		}()
	default:
		c.control.Done()
	}
}

// start claims id before asking the manager for it, so a stop-session that
// arrives while the device and engines are still opening finds it.
func (c *conn) start(ctx context.Context, id string) {
	if id == "" {
		id = uuid.NewString()
	}
	cl := &claim{}
	c.mu.Lock()
	prev, claimed := c.sessions[id]
	if claimed && prev.session == nil {
		c.mu.Unlock()
		c.reject(id, fmt.Errorf("%w: %s", callsession.ErrSessionExists, id))
		return
	}
	if !claimed {
		c.sessions[id] = cl
	}
	c.mu.Unlock()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), startTimeout)
	defer cancel()
	s, err := c.srv.sessions.Start(sctx, id, c)

	c.mu.Lock()
	if err != nil {
		if c.sessions[id] == cl {
			delete(c.sessions, id)
		}
		c.mu.Unlock()
		// The manager has already sent the session-error.
		c.log.Info("start session refused", "session_id", id, "err", err)
		return
	}
	cl.session = s
	c.sessions[id] = cl
	stopNow := cl.stopRequested
	c.mu.Unlock()

	go c.forget(id, cl)
	if stopNow {
		c.stopSession(ctx, id)
	}
}

// forget drops the claim once its session has ended, whoever ended it.
func (c *conn) forget(id string, cl *claim) {
	<-cl.session.Done()
	c.mu.Lock()
	if c.sessions[id] == cl {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
}

func (c *conn) stop(ctx context.Context, id string) {
	c.mu.Lock()
	cl, owned := c.sessions[id]
	pending := owned && cl.session == nil
	if pending {
		cl.stopRequested = true
	}
	c.mu.Unlock()
	switch {
	case !owned:
		c.reject(id, fmt.Errorf("%w: %s", callsession.ErrSessionNotFound, id))
	case pending:
		c.log.Debug("stop deferred until start completes", "session_id", id)
	default:
		c.stopSession(ctx, id)
	}
}

func (c *conn) stopSession(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	err := c.srv.sessions.Stop(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, callsession.ErrSessionNotFound):
		// Ended on its own before the request arrived.
		c.reject(id, err)
	default:
		c.log.Warn("stop session", "session_id", id, "err", err)
	}
}

// reject answers a control message that could not be acted on.
func (c *conn) reject(sessionID string, err error) {
	c.log.Debug("rejected client message", "session_id", sessionID, "err", err)
	c.Send(protocol.SessionError(sessionID, string(callsession.KindRejected), "", false, err.Error()))
}

func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.out.ready:
			for _, m := range c.out.drain() {
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(wctx, c.ws, m)
				cancel()
				if err != nil {
					return fmt.Errorf("delivery: write %s: %w", m.Type, err)
				}
			}
		}
	}
}

func (c *conn) pingLoop(ctx context.Context) error {
	t := time.NewTicker(c.srv.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, c.srv.pingInterval)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("delivery: ping: %w", err)
			}
		}
	}
}

func (c *conn) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
