package httpd

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tonearm/bridge/bridge/media"
)

// closePolicyAuth is sent when the upgrade succeeds but the token does
// not validate; the app treats it as "re-pair required".
const closePolicyAuth = 4001

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingPeriod   = 25 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The app may be served from the tunnel origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is the realtime message envelope.
type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsHub fans realtime frames out to every connected client. The
// orchestrators push playback-sync through it; clients push commands
// back through their own read loops.
type wsHub struct {
	mu    sync.Mutex
	conns map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsFrame
}

func newWSHub() *wsHub {
	return &wsHub{conns: make(map[*wsClient]struct{})}
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Broadcast queues a frame for every client; slow clients drop frames
// rather than stall the sender.
func (h *wsHub) Broadcast(frameType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame := wsFrame{Type: frameType, Payload: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		select {
		case c.send <- frame:
		default:
		}
	}
}

// ClientCount reports connected realtime clients.
func (h *wsHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// handleWS upgrades the realtime socket. Auth happens after the
// upgrade so the client receives a distinguishable close code instead
// of an opaque handshake failure.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	token := bearerToken(r)
	p, err := s.authenticate(token)
	if token == "" || err != nil {
		msg := websocket.FormatCloseMessage(closePolicyAuth, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
		conn.Close()
		return
	}

	client := &wsClient{conn: conn, send: make(chan wsFrame, 32)}
	s.hub.add(client)
	log.Info().Str("kind", string(p.Kind)).Msg("[http] realtime client connected")

	sess := s.sessions.Create(p.Token, r.UserAgent())
	defer func() {
		s.hub.remove(client)
		s.sessions.End(sess.ID)
		conn.Close()
		log.Info().Msg("[http] realtime client disconnected")
	}()

	// First frame: the session snapshot.
	initial, _ := json.Marshal(map[string]any{
		"sessionId":  sess.ID,
		"serverName": s.ident.ServerName(),
	})
	client.send <- wsFrame{Type: "session-update", Payload: initial}

	done := make(chan struct{})
	go s.wsWriteLoop(client, done)
	s.wsReadLoop(r.Context(), client, sess.ID)
	close(done)
}

func (s *Server) wsWriteLoop(c *wsClient, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, c *wsClient, sessionID string) {
	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		var frame wsFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		s.sessions.UpdateActivity(sessionID)

		switch frame.Type {
		case "ping":
			select {
			case c.send <- wsFrame{Type: "pong"}:
			default:
			}

		case "playback-sync":
			// Desktop pushes state; rebroadcast to every client.
			s.hub.Broadcast("playback-sync", frame.Payload)

		case "remote-command":
			s.handleRemoteCommand(ctx, c, frame.Payload)

		case "request-desktop-state":
			s.handleStateRequest(ctx, c)

		default:
			log.Debug().Str("type", frame.Type).Msg("[http] ignoring unknown realtime frame")
		}
	}
}

func (s *Server) handleRemoteCommand(ctx context.Context, c *wsClient, payload json.RawMessage) {
	var cmd struct {
		Command string          `json:"command"`
		Args    json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Command == "" {
		return
	}

	result := map[string]any{"command": cmd.Command, "ok": true}
	if s.playback == nil {
		result["ok"] = false
		result["error"] = "upstream-unavailable"
	} else if err := s.playback.Dispatch(ctx, media.Command{Command: cmd.Command, Args: cmd.Args}); err != nil {
		result["ok"] = false
		result["error"] = err.Error()
	}

	data, _ := json.Marshal(result)
	select {
	case c.send <- wsFrame{Type: "command-result", Payload: data}:
	default:
	}
}

func (s *Server) handleStateRequest(ctx context.Context, c *wsClient) {
	if s.playback == nil {
		return
	}
	state, err := s.playback.State(ctx)
	if err != nil {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	select {
	case c.send <- wsFrame{Type: "desktop-state", Payload: data}:
	default:
	}
}
