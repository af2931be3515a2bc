// Package terminalws implements C4: owning a single WebSocket from
// accept to close, enforcing the wire protocol (spec.md §6.1), and
// coordinating up to four concurrent pumps against one session.
package terminalws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentbridge/agentbridge/internal/bridgeerr"
	"github.com/agentbridge/agentbridge/internal/capture"
	"github.com/agentbridge/agentbridge/internal/milestone"
	"github.com/agentbridge/agentbridge/internal/notification"
	"github.com/agentbridge/agentbridge/internal/ptyproc"
	"github.com/agentbridge/agentbridge/internal/registry"
	"github.com/agentbridge/agentbridge/internal/store"
	"github.com/agentbridge/agentbridge/internal/wsproto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler owns the WebSocket accept loop. One Handler is shared across
// all connections; it borrows sessions from the registry for the
// duration of each socket.
type Handler struct {
	reg         *registry.Registry
	coupler     *milestone.Coupler
	store       *store.Store
	notifySink  notification.Sink
	injectDelay time.Duration
	logger      *slog.Logger
}

// New builds a Handler. notifySink may be nil, in which case C7
// detection still runs but has nowhere to deliver notifications beyond
// the bound connection's own notification frames.
func New(reg *registry.Registry, coupler *milestone.Coupler, st *store.Store, notifySink notification.Sink, injectDelay time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reg: reg, coupler: coupler, store: st, notifySink: notifySink, injectDelay: injectDelay, logger: logger}
}

// multiSink fans a detected notification out to both the bound
// connection (as a wsproto frame) and the configured webhook sink.
type multiSink struct {
	conn  *connSink
	outer notification.Sink
}

func (m *multiSink) NotifyDetected(n notification.Notification) {
	kind := string(n.Type)
	title := n.Title
	body := n.Body
	if n.Type == notification.TypeOSC9 {
		body = n.Message
	}
	m.conn.writeJSON(wsproto.NewNotification(kind, title, body))

	if m.outer != nil {
		m.outer.NotifyDetected(n)
	}
}

// connSink adapts a WebSocket connection to registry.OutputSink so the
// session's fanout can deliver live output directly to it.
type connSink struct {
	writeMu *sync.Mutex
	conn    *websocket.Conn
	logger  *slog.Logger
}

func (c *connSink) SessionOutput(chunk []byte) {
	frame := wsproto.NewOutput(chunk)
	c.writeJSON(frame)
}

func (c *connSink) writeJSON(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Debug("terminalws: write failed", "error", err)
	}
}

// ServeMilestone implements "…/milestones/{milestone_id}/terminal":
// binds to the milestone's parent project's session, creating it if
// absent.
func (h *Handler) ServeMilestone(w http.ResponseWriter, r *http.Request, projectID, contextFilePath string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("terminalws: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	sink := &connSink{writeMu: &writeMu, conn: conn, logger: h.logger}

	sendStatus(&writeMu, conn, false, nil)

	rows, cols := initialSize(r)
	result, err := h.coupler.BindMilestone(r.Context(), projectID, rows, cols)
	if err != nil {
		h.logger.Error("terminalws: bind milestone failed", "project_id", projectID, "error", err)
		bErr := bridgeerr.Wrap(bridgeerr.KindSpawnFailure, "spawning milestone session", err)
		writeMu.Lock()
		conn.WriteJSON(wsproto.NewError(bErr.Kind.String(), bErr.Error()))
		writeMu.Unlock()
		conn.Close()
		return
	}

	sid := result.Session.InternalID
	sendStatus(&writeMu, conn, true, &sid)

	if replay, err := h.reg.Replay(projectID); err == nil && len(replay) > 0 {
		writeMu.Lock()
		conn.WriteJSON(wsproto.NewOutput(replay))
		writeMu.Unlock()
	}

	if result.Spawned {
		h.startBackgroundTaps(r.Context(), projectID, result.Session, sink)
	}

	if result.Injected && contextFilePath != "" {
		if err := milestone.CheckContextFile(contextFilePath); err != nil {
			h.logger.Warn("terminalws: skipping injection, context file missing", "project_id", projectID, "error", err)
		} else {
			go milestone.InjectNewMilestone(r.Context(), result.Session, contextFilePath, h.injectDelay)
		}
	}

	h.pump(r.Context(), conn, result.Session, sink, &writeMu)
}

// ServeOutputProject implements "…/output-projects/{output_project_id}/terminal":
// binds to an existing session by project; never creates one. Closes
// with 4004 if none exists.
func (h *Handler) ServeOutputProject(w http.ResponseWriter, r *http.Request, projectID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("terminalws: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	sendStatus(&writeMu, conn, false, nil)

	sess, ok := h.coupler.BindOutputProject(projectID)
	if !ok {
		closeWithCode(conn, wsproto.CloseNoLiveSession, "no live session")
		conn.Close()
		return
	}

	sid := sess.InternalID
	sendStatus(&writeMu, conn, true, &sid)

	if replay, err := h.reg.Replay(projectID); err == nil && len(replay) > 0 {
		writeMu.Lock()
		conn.WriteJSON(wsproto.NewOutput(replay))
		writeMu.Unlock()
	}

	sink := &connSink{writeMu: &writeMu, conn: conn, logger: h.logger}
	h.pump(r.Context(), conn, sess, sink, &writeMu)
}

// RejectMalformedID upgrades just far enough to close with 4000
// (spec.md §6.1): the id extracted from the URL failed the route's
// shape check before any milestone lookup or session bind was
// attempted.
func (h *Handler) RejectMalformedID(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("terminalws: upgrade failed", "error", err)
		return
	}
	closeWithCode(conn, wsproto.CloseMalformedID, "malformed id in URL")
	conn.Close()
}

func sendStatus(writeMu *sync.Mutex, conn *websocket.Conn, connected bool, sessionID *string) {
	writeMu.Lock()
	defer writeMu.Unlock()
	conn.WriteJSON(wsproto.NewStatus(connected, sessionID))
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func initialSize(r *http.Request) (uint16, uint16) {
	return 24, 80
}

// startBackgroundTaps launches C3 (session-id capture) and C7
// (notification detection) against the session's own lifetime, not the
// connection's: both must keep running across reconnects and must stop
// when the child exits, independent of any particular socket.
func (h *Handler) startBackgroundTaps(parent context.Context, projectID string, sess *registry.Session, sink *connSink) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sess.Process().Exited()
		cancel()
	}()

	captureTap := sess.Tap()
	go capture.Scan(ctx, captureTap, projectID, h.store, h.reg, func(_ string, firstCapture bool) {
		if firstCapture {
			if err := h.coupler.OnFirstCapture(context.Background(), projectID); err != nil {
				h.logger.Error("terminalws: advance status to active failed", "project_id", projectID, "error", err)
			}
		}
	}, h.logger)

	notifyTap := sess.Tap()
	go notification.Watch(ctx, notifyTap, &multiSink{conn: sink, outer: h.notifySink}, h.logger)
}

// pump runs the spec.md §4.4 step 7 flows for one connection: three
// goroutines (inbound, exit watcher, heartbeat), while outbound output
// reaches the bound sink through the session's own fanout. It waits for
// the first goroutine to complete, then cancels the rest (a read
// deadline unblocks the inbound socket read) and unbinds the
// connection; the caller closes the socket. This never closes the
// session itself — that is the registry's job.
func (h *Handler) pump(ctx context.Context, conn *websocket.Conn, sess *registry.Session, sink *connSink, writeMu *sync.Mutex) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.reg.BindConnection(sess, sink)
	defer h.reg.UnbindConnection(sess, sink)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer cancel()
		h.inboundPump(ctx, conn, sess, writeMu)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		h.exitWatcher(ctx, conn, sess, writeMu)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		h.heartbeat(ctx, conn)
	}()

	<-ctx.Done()
	_ = conn.SetReadDeadline(time.Now())
	wg.Wait()
}

// inboundPump reads frames from the socket and dispatches input/resize/
// signal to the pty; touches the session on every frame. Malformed or
// unknown frames are reported as error frames without closing the
// socket on first offense.
func (h *Handler) inboundPump(ctx context.Context, conn *websocket.Conn, sess *registry.Session, writeMu *sync.Mutex) {
	errorStreak := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := wsproto.DecodeEnvelope(raw)
		if err != nil {
			h.protocolError(writeMu, conn, &errorStreak, "malformed frame")
			continue
		}

		h.reg.Touch(sess.OutputProjectID)

		switch env.Type {
		case wsproto.TypeInput:
			var in wsproto.Input
			if err := json.Unmarshal(raw, &in); err != nil {
				h.protocolError(writeMu, conn, &errorStreak, "malformed input frame")
				continue
			}
			if _, err := sess.Process().WriteString(in.Data); err != nil {
				h.logger.Debug("terminalws: write to pty failed", "error", err)
			}

		case wsproto.TypeResize:
			var rs wsproto.Resize
			if err := json.Unmarshal(raw, &rs); err != nil {
				h.protocolError(writeMu, conn, &errorStreak, "malformed resize frame")
				continue
			}
			if err := sess.Process().Resize(rs.Rows, rs.Cols); err != nil {
				h.logger.Debug("terminalws: resize failed", "error", err)
			}

		case wsproto.TypeSignal:
			var sg wsproto.Signal
			if err := json.Unmarshal(raw, &sg); err != nil {
				h.protocolError(writeMu, conn, &errorStreak, "malformed signal frame")
				continue
			}
			if err := sess.Process().SendSignal(mapSignal(sg.Signal)); err != nil {
				h.logger.Debug("terminalws: signal failed", "error", err)
			}

		default:
			h.protocolError(writeMu, conn, &errorStreak, "unknown frame type")
		}

		errorStreak = 0
	}
}

func mapSignal(s wsproto.SignalName) ptyproc.Signal {
	switch s {
	case wsproto.SigINT:
		return ptyproc.SignalInterrupt
	case wsproto.SigTERM:
		return ptyproc.SignalTerminate
	case wsproto.SigEOF:
		return ptyproc.SignalEOF
	default:
		return ptyproc.SignalInterrupt
	}
}

// protocolError reports a ProtocolError frame without closing the
// socket on first offense (spec.md §7); repeated malformed frames in a
// row do eventually close the connection via the inbound pump's own
// read-error path once the client gives up.
func (h *Handler) protocolError(writeMu *sync.Mutex, conn *websocket.Conn, streak *int, message string) {
	*streak++
	bErr := bridgeerr.New(bridgeerr.KindProtocolError, message)
	writeMu.Lock()
	conn.WriteJSON(wsproto.NewError(bErr.Kind.String(), bErr.Message))
	writeMu.Unlock()
}

// exitWatcher sends a closed frame and cancels the other pumps once the
// child exits.
func (h *Handler) exitWatcher(ctx context.Context, conn *websocket.Conn, sess *registry.Session, writeMu *sync.Mutex) {
	select {
	case <-ctx.Done():
		return
	case <-sess.Process().Exited():
		writeMu.Lock()
		conn.WriteJSON(wsproto.NewClosed(sess.Process().ExitCode()))
		writeMu.Unlock()
	}
}

// heartbeat periodically pings the socket; if the write fails the
// connection is assumed dead and all pumps are canceled.
func (h *Handler) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
