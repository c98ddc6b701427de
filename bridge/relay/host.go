package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	neturl "net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tonearm/bridge/bridge/cryptoops"
	"github.com/tonearm/bridge/bridge/identity"
	"github.com/tonearm/bridge/bridge/media"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMultiplier = 1.5
	backoffCap        = 30 * time.Second
	maxReconnects     = 10

	pingInterval       = 15 * time.Second
	registerTimeout    = 10 * time.Second
	defaultMaxInFlight = 64
	outboundQueueSize  = 256
)

var (
	ErrRelayFatal      = errors.New("relay connection permanently failed")
	ErrNotConnected    = errors.New("not connected to relay")
	ErrOutboundFull    = errors.New("outbound queue full")
	ErrTooManyInFlight = errors.New("too many in-flight injections")
)

// RequestInjector synthesizes an HTTP request inside the process so a
// tunneled call runs through the same router as a direct one. The front
// door implements it; the interface breaks the httpd<->relay cycle.
type RequestInjector interface {
	Inject(ctx context.Context, method, url string, body []byte) (status int, data []byte, err error)
}

// AuthTokenSource exposes the active access token carried in welcome
// frames.
type AuthTokenSource interface {
	ActiveToken() string
}

// HostConfig wires the host relay client.
type HostConfig struct {
	RelayURL     string
	Identity     *identity.Store
	PasswordHash string // optional room password, pre-hashed
	LocalURL     string
	Injector     RequestInjector
	Tokens       AuthTokenSource
	Playback     media.Playback
	MaxInFlight  int
}

type hostPeer struct {
	info PeerInfo
	box  *cryptoops.Box
}

// HostClient owns the single outbound relay socket. It registers the
// server's room, welcomes peers, demultiplexes their sealed frames and
// tunnels api-requests into the front door.
type HostClient struct {
	cfg HostConfig

	mu        sync.Mutex
	peers     map[string]*hostPeer
	outbound  chan []byte
	connected bool
	attempts  int

	inflight chan struct{}

	stopch   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewHostClient(cfg HostConfig) *HostClient {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	return &HostClient{
		cfg:      cfg,
		peers:    make(map[string]*hostPeer),
		inflight: make(chan struct{}, cfg.MaxInFlight),
		stopch:   make(chan struct{}),
	}
}

// Run connects and re-connects to the relay until ctx is cancelled or
// the backoff budget is exhausted. Local serving continues either way;
// a fatal return only ends remote access.
func (h *HostClient) Run(ctx context.Context) error {
	defer h.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stopch:
			return nil
		default:
		}

		err := h.session(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, ErrRelayFatal) {
			return err
		}

		h.mu.Lock()
		h.attempts++
		attempts := h.attempts
		h.mu.Unlock()

		if attempts >= maxReconnects {
			log.Error().Int("attempts", attempts).Msg("[relay] giving up on relay reconnect")
			return ErrRelayFatal
		}

		delay := backoffDelay(attempts)
		log.Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("[relay] relay connection lost, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stopch:
			return nil
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	d := backoffInitial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * backoffMultiplier)
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// Stop requests a graceful shutdown; outstanding injections are
// cancelled with the session context.
func (h *HostClient) Stop() {
	h.stopOnce.Do(func() { close(h.stopch) })
}

func (h *HostClient) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Peers returns a snapshot of the connected peer set.
func (h *HostClient) Peers() []PeerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p.info)
	}
	return out
}

// session runs one relay connection to completion.
func (h *HostClient) session(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go func() {
		select {
		case <-h.stopch:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, _, err := websocket.Dial(ctx, h.cfg.RelayURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")
	conn.SetReadLimit(1 << 22)

	h.mu.Lock()
	h.outbound = make(chan []byte, outboundQueueSize)
	outbound := h.outbound
	h.mu.Unlock()

	// Single-writer rule: this goroutine is the only socket writer.
	writerDone := make(chan struct{})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-outbound:
				if !ok {
					return
				}
				if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
					return
				}
			}
		}
	}()

	if err := h.register(); err != nil {
		return err
	}

	// Keepalive ticker.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if frame, err := EncodeControl(VerbPing, nil); err == nil {
					h.enqueue(frame, true)
				}
			}
		}
	}()

	defer func() {
		h.mu.Lock()
		h.connected = false
		h.peers = make(map[string]*hostPeer)
		h.mu.Unlock()
	}()

	registerDeadline := time.AfterFunc(registerTimeout, cancel)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		verb, payload, err := DecodeControl(data)
		if err != nil {
			// Relay frames never raise; drop silently.
			log.Debug().Err(err).Msg("[relay] dropping malformed frame")
			continue
		}

		switch verb {
		case EvtRegistered:
			registerDeadline.Stop()
			h.mu.Lock()
			h.connected = true
			h.attempts = 0
			h.mu.Unlock()
			log.Info().Str("room_id", h.cfg.Identity.RelayRoomID()).Msg("[relay] room registered")

		case EvtPeerJoined:
			var peer PeerInfo
			if err := json.Unmarshal(payload, &peer); err != nil {
				continue
			}
			h.handlePeerJoined(peer)

		case EvtPeerLeft:
			var peer PeerInfo
			if err := json.Unmarshal(payload, &peer); err != nil {
				continue
			}
			h.mu.Lock()
			delete(h.peers, peer.PeerID)
			h.mu.Unlock()
			log.Info().Str("peer_id", peer.PeerID).Msg("[relay] peer left")

		case VerbData:
			var data DataPayload
			if err := json.Unmarshal(payload, &data); err != nil {
				continue
			}
			h.handleData(ctx, data)

		case EvtError:
			var relayErr ErrorPayload
			_ = json.Unmarshal(payload, &relayErr)
			if relayErr.Fatal {
				log.Error().Str("message", relayErr.Message).Msg("[relay] relay rejected registration")
				return ErrRelayFatal
			}
			log.Warn().Str("message", relayErr.Message).Msg("[relay] relay error")
		}
	}
}

// register sends the signed room registration. Every reconnect re-uses
// the same room_id.
func (h *HostClient) register() error {
	cred := h.cfg.Identity.Credential()
	roomID := h.cfg.Identity.RelayRoomID()
	ts := time.Now().Unix()

	payload := RegisterPayload{
		RoomID:       roomID,
		ServerName:   h.cfg.Identity.ServerName(),
		PasswordHash: h.cfg.PasswordHash,
		PublicKey:    base64.StdEncoding.EncodeToString(cred.PublicKey()),
		SealKey:      base64.StdEncoding.EncodeToString(h.cfg.Identity.SealKeys().Public),
		Timestamp:    ts,
		Signature:    base64.StdEncoding.EncodeToString(cred.Sign(RegisterSigningInput(roomID, ts))),
	}

	frame, err := EncodeControl(VerbRegister, payload)
	if err != nil {
		return err
	}
	return h.enqueue(frame, false)
}

// enqueue puts a frame on the outbound channel. Telemetry frames drop
// the oldest entry on overflow; request/response frames hard-error.
func (h *HostClient) enqueue(frame []byte, telemetry bool) error {
	h.mu.Lock()
	outbound := h.outbound
	h.mu.Unlock()
	if outbound == nil {
		return ErrNotConnected
	}

	select {
	case outbound <- frame:
		return nil
	default:
	}

	if !telemetry {
		return ErrOutboundFull
	}
	// Drop-oldest for telemetry.
	select {
	case <-outbound:
	default:
	}
	select {
	case outbound <- frame:
	default:
	}
	return nil
}

func (h *HostClient) handlePeerJoined(info PeerInfo) {
	peerKey, err := base64.StdEncoding.DecodeString(info.PeerID)
	if err != nil {
		log.Warn().Str("peer_id", info.PeerID).Msg("[relay] peer with invalid public key")
		return
	}
	box, err := cryptoops.NewBox(h.cfg.Identity.SealKeys().Private, peerKey, true)
	if err != nil {
		log.Warn().Err(err).Str("peer_id", info.PeerID).Msg("[relay] failed to derive peer keys")
		return
	}

	h.mu.Lock()
	h.peers[info.PeerID] = &hostPeer{info: info, box: box}
	h.mu.Unlock()

	log.Info().
		Str("peer_id", info.PeerID).
		Str("device_name", info.DeviceName).
		Msg("[relay] peer joined")

	welcome := WelcomeMessage{
		Type:       MsgWelcome,
		LocalURL:   h.cfg.LocalURL,
		ServerName: h.cfg.Identity.ServerName(),
	}
	if h.cfg.Tokens != nil {
		welcome.AuthToken = h.cfg.Tokens.ActiveToken()
	}
	if err := h.sendSealed(info.PeerID, welcome); err != nil {
		log.Warn().Err(err).Str("peer_id", info.PeerID).Msg("[relay] failed to send welcome")
	}
}

// sendSealed seals v for the peer and enqueues a data frame.
func (h *HostClient) sendSealed(peerID string, v any) error {
	h.mu.Lock()
	peer, ok := h.peers[peerID]
	h.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	plaintext, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := peer.box.Seal(plaintext)
	if err != nil {
		return err
	}
	frame, err := EncodeControl(VerbData, DataPayload{To: peerID, Payload: sealed})
	if err != nil {
		return err
	}
	return h.enqueue(frame, false)
}

// handleData opens a peer's sealed frame and demultiplexes it.
// Decryption failures drop the frame silently.
func (h *HostClient) handleData(ctx context.Context, data DataPayload) {
	h.mu.Lock()
	peer, ok := h.peers[data.From]
	h.mu.Unlock()
	if !ok {
		return
	}

	plaintext, err := peer.box.Open(data.Payload)
	if err != nil {
		log.Debug().Str("peer_id", data.From).Msg("[relay] dropping undecryptable frame")
		return
	}

	var env Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return
	}

	switch env.Type {
	case MsgAPIRequest:
		var req APIRequest
		if err := json.Unmarshal(plaintext, &req); err != nil {
			return
		}
		h.dispatchAPIRequest(ctx, data.From, req)

	case MsgPlaybackCommand:
		var cmd PlaybackCommand
		if err := json.Unmarshal(plaintext, &cmd); err != nil {
			return
		}
		h.dispatchPlaybackCommand(ctx, data.From, cmd)
	}
}

// dispatchAPIRequest injects the tunneled request into the front door
// and sends the api-response back to the originating peer. The
// in-flight cap fails fast instead of queueing.
func (h *HostClient) dispatchAPIRequest(ctx context.Context, peerID string, req APIRequest) {
	select {
	case h.inflight <- struct{}{}:
	default:
		h.replyAPIError(peerID, req.RequestID, 503, "too-many-in-flight")
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() { <-h.inflight }()

		// The peer's token rides in the URL so the injected request
		// passes the same auth hook as a direct one.
		url := req.URL
		if req.AuthToken != "" {
			sep := "?"
			if strings.Contains(url, "?") {
				sep = "&"
			}
			url += sep + "token=" + neturl.QueryEscape(req.AuthToken)
		}

		status, body, err := h.cfg.Injector.Inject(ctx, req.Method, url, req.Body)
		if err != nil {
			log.Warn().Err(err).Str("url", req.URL).Msg("[relay] request injection failed")
			h.replyAPIError(peerID, req.RequestID, 500, err.Error())
			return
		}

		resp := APIResponse{
			Type:      MsgAPIResponse,
			RequestID: req.RequestID,
			OK:        status >= 200 && status < 300,
			Status:    status,
			Data:      json.RawMessage(body),
		}
		if err := h.sendSealed(peerID, resp); err != nil {
			log.Warn().Err(err).Str("peer_id", peerID).Msg("[relay] failed to send api-response")
		}
	}()
}

func (h *HostClient) replyAPIError(peerID, requestID string, status int, msg string) {
	data, _ := json.Marshal(map[string]string{"error": msg})
	resp := APIResponse{
		Type:      MsgAPIResponse,
		RequestID: requestID,
		OK:        false,
		Status:    status,
		Data:      data,
	}
	if err := h.sendSealed(peerID, resp); err != nil {
		log.Debug().Err(err).Str("peer_id", peerID).Msg("[relay] failed to send error response")
	}
}

func (h *HostClient) dispatchPlaybackCommand(ctx context.Context, peerID string, cmd PlaybackCommand) {
	ack := CommandAck{Type: MsgCommandAck, RequestID: cmd.RequestID, Success: true}

	if h.cfg.Playback == nil {
		ack.Success = false
		ack.Error = "playback unavailable"
	} else if err := h.cfg.Playback.Dispatch(ctx, media.Command{Command: cmd.Command, Args: cmd.Args}); err != nil {
		ack.Success = false
		ack.Error = err.Error()
	}

	if err := h.sendSealed(peerID, ack); err != nil {
		log.Debug().Err(err).Str("peer_id", peerID).Msg("[relay] failed to send command-ack")
	}
}
