// Package tunnel implements the client-side transport: a persistent
// encrypted relay socket that transparently tunnels HTTP-style calls to
// the host.
package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tonearm/bridge/bridge/cryptoops"
	"github.com/tonearm/bridge/bridge/relay"
)

const (
	defaultRequestTimeout = 30 * time.Second

	requestIDLen      = 12
	pingInterval      = 15 * time.Second
	backoffInitial    = 1 * time.Second
	backoffMultiplier = 1.5
	backoffCap        = 30 * time.Second
	maxReconnects     = 10

	defaultMaxInFlight = 64
	outboundQueueSize  = 128
)

var (
	ErrNotConnected    = errors.New("tunnel not connected")
	ErrTimeout         = errors.New("tunneled request timed out")
	ErrTooManyInFlight = errors.New("too many in-flight requests")
	ErrShutdown        = errors.New("tunnel shut down")
)

// State is the tunnel connection state machine:
// disconnected -> connecting -> {connected | requires_password | error}.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateConnected        State = "connected"
	StateRequiresPassword State = "requires_password"
	StateError            State = "error"
)

// Response is the resolved result of a tunneled request.
type Response struct {
	OK     bool            `json:"ok"`
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ClientConfig wires a tunnel client to a host room.
type ClientConfig struct {
	RelayURL   string
	RoomID     string
	DeviceName string
	UserAgent  string

	// PasswordHash protects password-guarded rooms; the plaintext never
	// leaves the client.
	PasswordHash string

	// RemoteOnly marks static-hosted deployments that have no direct
	// HTTP path; disconnected requests then resolve to a synthetic 503
	// instead of a fallback signal.
	RemoteOnly bool

	MaxInFlight int

	// RequestTimeout bounds the wait for a tunneled response;
	// zero means the 30 s default.
	RequestTimeout time.Duration
}

// Client owns one outbound relay socket and the pending-request
// correlator.
type Client struct {
	cfg ClientConfig

	mu         sync.Mutex
	state      State
	box        *cryptoops.Box
	outbound   chan []byte
	attempts   int
	everJoined bool

	authToken  string
	localURL   string
	serverName string

	pending     map[string]chan relay.APIResponse
	pendingAcks map[string]chan relay.CommandAck
	inflight    chan struct{}

	kick     chan struct{}
	stopch   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Client{
		cfg:         cfg,
		state:       StateDisconnected,
		pending:     make(map[string]chan relay.APIResponse),
		pendingAcks: make(map[string]chan relay.CommandAck),
		inflight:    make(chan struct{}, cfg.MaxInFlight),
		kick:        make(chan struct{}, 1),
		stopch:      make(chan struct{}),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ServerName returns the name announced in the joined handshake.
func (c *Client) ServerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverName
}

// LocalURL returns the host's direct address from the welcome frame,
// for probing whether a faster non-tunneled path exists.
func (c *Client) LocalURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localURL
}

// AuthToken returns the token delivered in the welcome frame.
func (c *Client) AuthToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authToken
}

// SetPassword installs a pre-hashed room password and retries the join.
func (c *Client) SetPassword(passwordHash string) {
	c.mu.Lock()
	c.cfg.PasswordHash = passwordHash
	c.mu.Unlock()
	c.setState(StateConnecting)
	c.ResetAttempts()
}

// ResetAttempts zeroes the backoff counter and kicks an immediate
// reconnect. Called on page-visibility transitions to visible.
func (c *Client) ResetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Stop shuts the tunnel down; in-flight requests reject with ErrShutdown.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopch)
		c.failAllPending()
	})
	c.wg.Wait()
}

func (c *Client) failAllPending() {
	c.mu.Lock()
	pending := c.pending
	acks := c.pendingAcks
	c.pending = make(map[string]chan relay.APIResponse)
	c.pendingAcks = make(map[string]chan relay.CommandAck)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, ch := range acks {
		close(ch)
	}
}

// Run keeps the tunnel connected until ctx is cancelled. In
// requires_password state it idles until SetPassword kicks it.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-c.stopch:
			c.setState(StateDisconnected)
			return nil
		default:
		}

		if c.State() == StateRequiresPassword {
			select {
			case <-c.kick:
			case <-ctx.Done():
				return ctx.Err()
			case <-c.stopch:
				return nil
			}
			continue
		}

		c.setState(StateConnecting)
		err := c.session(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			c.setState(StateDisconnected)
			return nil
		}
		if c.State() == StateRequiresPassword {
			continue
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		wasConnected := c.everJoined
		c.mu.Unlock()

		if attempts >= maxReconnects {
			c.setState(StateError)
			log.Error().Int("attempts", attempts).Msg("[tunnel] giving up on reconnect")
			// Stay alive: a visibility change can reset attempts.
			select {
			case <-c.kick:
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-c.stopch:
				return nil
			}
		}

		c.setState(StateDisconnected)
		delay := backoffDelay(attempts)
		log.Warn().
			Err(err).
			Int("attempt", attempts).
			Bool("was_connected", wasConnected).
			Dur("retry_in", delay).
			Msg("[tunnel] connection lost, reconnecting")

		select {
		case <-time.After(delay):
		case <-c.kick:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopch:
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
	return d
}

func (c *Client) session(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go func() {
		select {
		case <-c.stopch:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, _, err := websocket.Dial(ctx, c.cfg.RelayURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(1 << 22)

	// Fresh ephemeral keys per connection.
	keys, err := cryptoops.NewSealKeypair()
	if err != nil {
		return err
	}

	outbound := make(chan []byte, outboundQueueSize)
	c.mu.Lock()
	c.outbound = outbound
	c.box = nil
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
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

	c.mu.Lock()
	passwordHash := c.cfg.PasswordHash
	c.mu.Unlock()

	join := relay.JoinPayload{
		RoomID:       c.cfg.RoomID,
		PublicKey:    base64.StdEncoding.EncodeToString(keys.Public),
		DeviceName:   c.cfg.DeviceName,
		UserAgent:    c.cfg.UserAgent,
		PasswordHash: passwordHash,
	}
	frame, err := relay.EncodeControl(relay.VerbJoin, join)
	if err != nil {
		return err
	}
	outbound <- frame

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ping, err := relay.EncodeControl(relay.VerbPing, nil); err == nil {
					select {
					case outbound <- ping:
					default:
					}
				}
			}
		}
	}()

	defer func() {
		c.mu.Lock()
		c.box = nil
		c.outbound = nil
		c.mu.Unlock()
		if c.State() == StateConnected {
			c.setState(StateDisconnected)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		verb, payload, err := relay.DecodeControl(data)
		if err != nil {
			continue
		}

		switch verb {
		case relay.EvtJoined:
			var joined relay.JoinedPayload
			if err := json.Unmarshal(payload, &joined); err != nil {
				continue
			}
			hostKey, err := base64.StdEncoding.DecodeString(joined.HostPublicKey)
			if err != nil {
				return errors.New("relay sent invalid host key")
			}
			box, err := cryptoops.NewBox(keys.Private, hostKey, false)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.box = box
			c.serverName = joined.ServerName
			c.attempts = 0
			c.everJoined = true
			c.mu.Unlock()
			c.setState(StateConnected)
			log.Info().Str("server_name", joined.ServerName).Msg("[tunnel] joined room")

		case relay.EvtAuthRequired:
			c.setState(StateRequiresPassword)
			log.Info().Msg("[tunnel] room requires password")
			return errors.New("auth required")

		case relay.VerbData:
			var dp relay.DataPayload
			if err := json.Unmarshal(payload, &dp); err != nil {
				continue
			}
			c.handleData(dp)

		case relay.EvtError:
			var relayErr relay.ErrorPayload
			_ = json.Unmarshal(payload, &relayErr)
			log.Warn().Str("message", relayErr.Message).Msg("[tunnel] relay error")
			if relayErr.Fatal {
				return errors.New(relayErr.Message)
			}
		}
	}
}

// handleData opens a sealed host frame. Undecryptable frames and
// unmatched responses are dropped silently.
func (c *Client) handleData(dp relay.DataPayload) {
	c.mu.Lock()
	box := c.box
	c.mu.Unlock()
	if box == nil {
		return
	}

	plaintext, err := box.Open(dp.Payload)
	if err != nil {
		log.Debug().Msg("[tunnel] dropping undecryptable frame")
		return
	}

	var env relay.Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return
	}

	switch env.Type {
	case relay.MsgWelcome:
		var welcome relay.WelcomeMessage
		if err := json.Unmarshal(plaintext, &welcome); err != nil {
			return
		}
		c.mu.Lock()
		c.authToken = welcome.AuthToken
		c.localURL = welcome.LocalURL
		if welcome.ServerName != "" {
			c.serverName = welcome.ServerName
		}
		c.mu.Unlock()

	case relay.MsgAPIResponse:
		var resp relay.APIResponse
		if err := json.Unmarshal(plaintext, &resp); err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}

	case relay.MsgCommandAck:
		var ack relay.CommandAck
		if err := json.Unmarshal(plaintext, &ack); err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pendingAcks[ack.RequestID]
		if ok {
			delete(c.pendingAcks, ack.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- ack
		}
	}
}

func (c *Client) sendSealed(v any) error {
	c.mu.Lock()
	box := c.box
	outbound := c.outbound
	c.mu.Unlock()
	if box == nil || outbound == nil {
		return ErrNotConnected
	}

	plaintext, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := box.Seal(plaintext)
	if err != nil {
		return err
	}
	frame, err := relay.EncodeControl(relay.VerbData, relay.DataPayload{Payload: sealed})
	if err != nil {
		return err
	}

	select {
	case outbound <- frame:
		return nil
	default:
		return ErrTooManyInFlight
	}
}

// APIRequest tunnels an HTTP-style call to the host and resolves with
// its response. Disconnected clients get (nil, ErrNotConnected) so the
// caller can fall back to direct HTTP; remote-only deployments get a
// synthetic 503 response instead.
func (c *Client) APIRequest(ctx context.Context, method, url string, body json.RawMessage) (*Response, error) {
	if c.State() != StateConnected {
		if c.cfg.RemoteOnly {
			data, _ := json.Marshal(map[string]string{"error": "tunnel disconnected"})
			return &Response{OK: false, Status: 503, Data: data}, nil
		}
		return nil, ErrNotConnected
	}

	select {
	case c.inflight <- struct{}{}:
	default:
		return nil, ErrTooManyInFlight
	}
	defer func() { <-c.inflight }()

	requestID, err := randomRequestID()
	if err != nil {
		return nil, err
	}

	ch := make(chan relay.APIResponse, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}

	req := relay.APIRequest{
		Type:      relay.MsgAPIRequest,
		RequestID: requestID,
		Method:    method,
		URL:       url,
		Body:      body,
		AuthToken: c.AuthToken(),
	}
	if err := c.sendSealed(req); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, open := <-ch:
		if !open {
			return nil, ErrShutdown
		}
		return &Response{OK: resp.OK, Status: resp.Status, Data: resp.Data}, nil
	case <-timer.C:
		cleanup()
		return nil, ErrTimeout
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-c.stopch:
		cleanup()
		return nil, ErrShutdown
	}
}

// SendCommand tunnels a playback command and waits for its ack.
func (c *Client) SendCommand(ctx context.Context, command string, args json.RawMessage) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	requestID, err := randomRequestID()
	if err != nil {
		return err
	}

	ch := make(chan relay.CommandAck, 1)
	c.mu.Lock()
	c.pendingAcks[requestID] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pendingAcks, requestID)
		c.mu.Unlock()
	}

	cmd := relay.PlaybackCommand{
		Type:      relay.MsgPlaybackCommand,
		RequestID: requestID,
		Command:   command,
		Args:      args,
	}
	if err := c.sendSealed(cmd); err != nil {
		cleanup()
		return err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case ack, open := <-ch:
		if !open {
			return ErrShutdown
		}
		if !ack.Success {
			return errors.New(ack.Error)
		}
		return nil
	case <-timer.C:
		cleanup()
		return ErrTimeout
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	}
}

const requestIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomRequestID() (string, error) {
	max := big.NewInt(int64(len(requestIDAlphabet)))
	b := make([]byte, requestIDLen)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = requestIDAlphabet[idx.Int64()]
	}
	return string(b), nil
}
