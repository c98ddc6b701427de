package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
)

var (
	ErrCodeUnknown   = errors.New("unknown pairing code")
	ErrCodeExpired   = errors.New("pairing code expired")
	ErrCodeConsumed  = errors.New("pairing code already consumed")
	ErrNoSuchRequest = errors.New("no such approval request")
)

// PairingScheme selects how codes are produced. Memorable WORD-WORD-NN
// codes are the default; one-time opaque codes back approval-gated
// pairing.
type PairingScheme string

const (
	SchemeMemorable PairingScheme = "memorable"
	SchemeOneTime   PairingScheme = "one-time"
)

const (
	oneTimeCodeTTL   = 5 * time.Minute
	memorableCodeTTL = 24 * time.Hour
	approvalTimeout  = 60 * time.Second
	qrImageSize      = 256
)

type pairingCode struct {
	code      string
	scheme    PairingScheme
	createdAt time.Time
	expiresAt time.Time
	consumed  bool
}

// PairInfo describes the currently advertised pairing code.
type PairInfo struct {
	Code      string    `json:"code"`
	QRPayload string    `json:"qrPayload"`
	LocalURL  string    `json:"localUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PairResult is the outcome of consuming a pairing code.
type PairResult struct {
	Success          bool   `json:"success"`
	DeviceToken      string `json:"deviceToken,omitempty"`
	DeviceID         string `json:"deviceId,omitempty"`
	ExpiresAt        string `json:"expiresAt,omitempty"`
	RequiresApproval bool   `json:"requiresApproval,omitempty"`
	Error            string `json:"error,omitempty"`
}

// ApprovalRequest is a pending pairing awaiting host action.
type ApprovalRequest struct {
	ID          string    `json:"requestId"`
	Code        string    `json:"code"`
	DeviceName  string    `json:"deviceName"`
	UserAgent   string    `json:"userAgent"`
	RequestedAt time.Time `json:"requestedAt"`

	decision chan bool // one-shot; closed on cancel
}

// PairingCoordinator owns pairing codes and the admin-approval flow.
// A single code consumes at most once; concurrent consumers see exactly
// one success.
type PairingCoordinator struct {
	mu       sync.Mutex
	devices  *DeviceRegistry
	localURL string
	roomID   string
	scheme   PairingScheme

	codes   map[string]*pairingCode
	current *pairingCode

	requireApproval bool
	pending         map[string]*ApprovalRequest
	subscribers     []chan ApprovalRequest

	closed bool
}

func NewPairingCoordinator(devices *DeviceRegistry, localURL, roomID string, scheme PairingScheme) *PairingCoordinator {
	if scheme == "" {
		scheme = SchemeMemorable
	}
	return &PairingCoordinator{
		devices:  devices,
		localURL: strings.TrimSuffix(localURL, "/"),
		roomID:   roomID,
		scheme:   scheme,
		codes:    make(map[string]*pairingCode),
		pending:  make(map[string]*ApprovalRequest),
	}
}

func (p *PairingCoordinator) newCodeLocked(scheme PairingScheme) *pairingCode {
	var code string
	ttl := oneTimeCodeTTL
	switch scheme {
	case SchemeMemorable:
		phrase, err := GeneratePassphrase()
		if err != nil {
			phrase = uuid.NewString()
		}
		code = strings.ToUpper(phrase)
		ttl = memorableCodeTTL
	default:
		opaque, err := randomAlphanumeric(24)
		if err != nil {
			opaque = uuid.NewString()
		}
		code = opaque
	}

	now := time.Now()
	c := &pairingCode{
		code:      code,
		scheme:    scheme,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	p.codes[code] = c
	return c
}

func (p *PairingCoordinator) payloadFor(code string) string {
	payload := fmt.Sprintf("%s/?pair=%s", p.localURL, code)
	if p.roomID != "" {
		payload += "&room=" + p.roomID
	}
	return payload
}

// CurrentCode returns the advertised pairing code, rotating it when the
// previous one expired or was consumed.
func (p *PairingCoordinator) CurrentCode() PairInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil || p.current.consumed || time.Now().After(p.current.expiresAt) {
		p.current = p.newCodeLocked(p.scheme)
		log.Info().Str("code", p.current.code).Msg("[pairing] new pairing code issued")
	}
	return PairInfo{
		Code:      p.current.code,
		QRPayload: p.payloadFor(p.current.code),
		LocalURL:  p.localURL,
		ExpiresAt: p.current.expiresAt,
	}
}

// RefreshCode discards the advertised code and issues a fresh one.
func (p *PairingCoordinator) RefreshCode() PairInfo {
	p.mu.Lock()
	if p.current != nil {
		delete(p.codes, p.current.code)
	}
	p.current = p.newCodeLocked(p.scheme)
	info := PairInfo{
		Code:      p.current.code,
		QRPayload: p.payloadFor(p.current.code),
		LocalURL:  p.localURL,
		ExpiresAt: p.current.expiresAt,
	}
	p.mu.Unlock()
	return info
}

// MintOneTimeCode issues a 5-minute single-use opaque code regardless of
// the default scheme.
func (p *PairingCoordinator) MintOneTimeCode() PairInfo {
	p.mu.Lock()
	c := p.newCodeLocked(SchemeOneTime)
	info := PairInfo{
		Code:      c.code,
		QRPayload: p.payloadFor(c.code),
		LocalURL:  p.localURL,
		ExpiresAt: c.expiresAt,
	}
	p.mu.Unlock()
	return info
}

// IsValid reports whether code can still be consumed.
func (p *PairingCoordinator) IsValid(code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.codes[code]
	return ok && !c.consumed && time.Now().Before(c.expiresAt)
}

// QRPNG renders the advertised pairing payload as a PNG.
func (p *PairingCoordinator) QRPNG() ([]byte, error) {
	info := p.CurrentCode()
	return qrcode.Encode(info.QRPayload, qrcode.Medium, qrImageSize)
}

// Consume redeems a pairing code for a device credential. With approval
// required, it blocks until the host approves, denies, the 60 s window
// lapses, or ctx is cancelled. The code is burnt on first consume
// regardless of the approval outcome.
func (p *PairingCoordinator) Consume(ctx context.Context, code, deviceName, userAgent string) (*PairResult, error) {
	p.mu.Lock()
	c, ok := p.codes[code]
	if !ok {
		p.mu.Unlock()
		return nil, ErrCodeUnknown
	}
	if time.Now().After(c.expiresAt) {
		p.mu.Unlock()
		return nil, ErrCodeExpired
	}
	if c.consumed {
		p.mu.Unlock()
		return nil, ErrCodeConsumed
	}
	c.consumed = true

	if !p.requireApproval {
		p.mu.Unlock()
		return p.mintDevice(deviceName, userAgent)
	}

	req := &ApprovalRequest{
		ID:          uuid.NewString(),
		Code:        code,
		DeviceName:  deviceName,
		UserAgent:   userAgent,
		RequestedAt: time.Now(),
		decision:    make(chan bool, 1),
	}
	p.pending[req.ID] = req
	subs := make([]chan ApprovalRequest, len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- *req:
		default:
		}
	}

	log.Info().
		Str("request_id", req.ID).
		Str("device_name", deviceName).
		Msg("[pairing] approval requested")

	timer := time.NewTimer(approvalTimeout)
	defer timer.Stop()
	defer func() {
		p.mu.Lock()
		delete(p.pending, req.ID)
		p.mu.Unlock()
	}()

	select {
	case approved, open := <-req.decision:
		if !open {
			return &PairResult{Success: false, Error: "cancelled"}, nil
		}
		if !approved {
			return &PairResult{Success: false, Error: "denied"}, nil
		}
		return p.mintDevice(deviceName, userAgent)
	case <-timer.C:
		log.Info().Str("request_id", req.ID).Msg("[pairing] approval timed out")
		return &PairResult{Success: false, RequiresApproval: true}, nil
	case <-ctx.Done():
		return &PairResult{Success: false, Error: "cancelled"}, nil
	}
}

func (p *PairingCoordinator) mintDevice(deviceName, userAgent string) (*PairResult, error) {
	deviceID, token, expiry, err := p.devices.Register(deviceName, userAgent, nil)
	if err != nil {
		return nil, err
	}
	res := &PairResult{
		Success:     true,
		DeviceToken: token,
		DeviceID:    deviceID,
	}
	if expiry != nil {
		res.ExpiresAt = expiry.Format(time.RFC3339)
	}
	return res, nil
}

// PendingRequests lists approvals awaiting host action.
func (p *PairingCoordinator) PendingRequests() []ApprovalRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ApprovalRequest, 0, len(p.pending))
	for _, req := range p.pending {
		out = append(out, *req)
	}
	return out
}

func (p *PairingCoordinator) resolve(requestID string, approved bool) error {
	p.mu.Lock()
	req, ok := p.pending[requestID]
	if ok {
		delete(p.pending, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return ErrNoSuchRequest
	}
	req.decision <- approved
	return nil
}

func (p *PairingCoordinator) Approve(requestID string) error {
	return p.resolve(requestID, true)
}

func (p *PairingCoordinator) Deny(requestID string) error {
	return p.resolve(requestID, false)
}

func (p *PairingCoordinator) SetRequireApproval(require bool) {
	p.mu.Lock()
	p.requireApproval = require
	p.mu.Unlock()
}

func (p *PairingCoordinator) RequireApproval() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requireApproval
}

// Subscribe returns a channel the host UI can watch for new approval
// requests. Delivery is best-effort; slow consumers miss events.
func (p *PairingCoordinator) Subscribe() <-chan ApprovalRequest {
	ch := make(chan ApprovalRequest, 8)
	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()
	return ch
}

// Close cancels all pending approvals; their consumers resolve as
// cancelled.
func (p *PairingCoordinator) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.pending
	p.pending = make(map[string]*ApprovalRequest)
	p.mu.Unlock()

	for _, req := range pending {
		close(req.decision)
	}
}
