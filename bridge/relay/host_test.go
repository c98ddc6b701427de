package relay

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonearm/bridge/bridge/cryptoops"
	"github.com/tonearm/bridge/bridge/identity"
)

type stubInjector struct {
	status int
	data   []byte
	err    error

	calls chan APIRequest
}

func (s *stubInjector) Inject(_ context.Context, method, url string, body []byte) (int, []byte, error) {
	if s.calls != nil {
		s.calls <- APIRequest{Method: method, URL: url, Body: body}
	}
	return s.status, s.data, s.err
}

type stubTokens struct{ token string }

func (s *stubTokens) ActiveToken() string { return s.token }

// fakeRelay accepts one host connection and hands frames to fn.
type fakeRelay struct {
	srv    *httptest.Server
	frames chan []byte
	conn   chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{
		frames: make(chan []byte, 32),
		conn:   make(chan *websocket.Conn, 1),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		f.conn <- conn
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			f.frames <- data
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) url() string { return "ws" + f.srv.URL[len("http"):] }

func (f *fakeRelay) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conn:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("host never connected")
		return nil
	}
}

func (f *fakeRelay) nextFrame(t *testing.T) (string, json.RawMessage) {
	t.Helper()
	for {
		select {
		case data := <-f.frames:
			verb, payload, err := DecodeControl(data)
			require.NoError(t, err)
			if verb == VerbPing {
				continue
			}
			return verb, payload
		case <-time.After(5 * time.Second):
			t.Fatal("no frame from host")
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, verb string, payload any) {
	t.Helper()
	frame, err := EncodeControl(verb, payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
}

func newHostHarness(t *testing.T, inj *stubInjector) (*HostClient, *fakeRelay, *identity.Store) {
	t.Helper()
	store, err := identity.Open(t.TempDir())
	require.NoError(t, err)

	relay := newFakeRelay(t)
	host := NewHostClient(HostConfig{
		RelayURL: relay.url(),
		Identity: store,
		LocalURL: "http://localhost:8484",
		Injector: inj,
		Tokens:   &stubTokens{token: "tok-1"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = host.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("host did not shut down")
		}
	})
	return host, relay, store
}

func TestHostRegistersWithSignedPayload(t *testing.T) {
	_, relay, store := newHostHarness(t, &stubInjector{status: 200})
	relay.waitConn(t)

	verb, payload := relay.nextFrame(t)
	require.Equal(t, VerbRegister, verb)

	var reg RegisterPayload
	require.NoError(t, json.Unmarshal(payload, &reg))
	assert.Equal(t, store.RelayRoomID(), reg.RoomID)
	assert.Equal(t, store.ServerName(), reg.ServerName)

	pub, err := base64.StdEncoding.DecodeString(reg.PublicKey)
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(reg.Signature)
	require.NoError(t, err)
	assert.True(t, cryptoops.VerifySignature(
		ed25519.PublicKey(pub), RegisterSigningInput(reg.RoomID, reg.Timestamp), sig))
}

func TestHostWelcomesPeerAndAnswersRequest(t *testing.T) {
	inj := &stubInjector{
		status: 200,
		data:   []byte(`{"tracks":[]}`),
		calls:  make(chan APIRequest, 1),
	}
	host, relay, store := newHostHarness(t, inj)
	conn := relay.waitConn(t)

	verb, _ := relay.nextFrame(t)
	require.Equal(t, VerbRegister, verb)
	send(t, conn, EvtRegistered, RegisteredPayload{RoomID: store.RelayRoomID()})

	assert.Eventually(t, host.Connected, 2*time.Second, 10*time.Millisecond)

	// A peer joins with an ephemeral key; the host must welcome it.
	peerKeys, err := cryptoops.NewSealKeypair()
	require.NoError(t, err)
	peerID := base64.StdEncoding.EncodeToString(peerKeys.Public)
	send(t, conn, EvtPeerJoined, PeerInfo{PeerID: peerID, DeviceName: "phone"})

	box, err := cryptoops.NewBox(peerKeys.Private, store.SealKeys().Public, false)
	require.NoError(t, err)

	verb, payload := relay.nextFrame(t)
	require.Equal(t, VerbData, verb)
	var dp DataPayload
	require.NoError(t, json.Unmarshal(payload, &dp))
	assert.Equal(t, peerID, dp.To)

	plaintext, err := box.Open(dp.Payload)
	require.NoError(t, err)
	var welcome WelcomeMessage
	require.NoError(t, json.Unmarshal(plaintext, &welcome))
	assert.Equal(t, MsgWelcome, welcome.Type)
	assert.Equal(t, "tok-1", welcome.AuthToken)
	assert.Equal(t, "http://localhost:8484", welcome.LocalURL)

	// Tunnel an api-request and read back the sealed response.
	req := APIRequest{Type: MsgAPIRequest, RequestID: "req-000000001", Method: "GET", URL: "/api/library/tracks"}
	reqJSON, err := json.Marshal(req)
	require.NoError(t, err)
	sealed, err := box.Seal(reqJSON)
	require.NoError(t, err)
	send(t, conn, VerbData, DataPayload{From: peerID, Payload: sealed})

	select {
	case call := <-inj.calls:
		assert.Equal(t, "GET", call.Method)
		assert.Equal(t, "/api/library/tracks", call.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("injector never called")
	}

	verb, payload = relay.nextFrame(t)
	require.Equal(t, VerbData, verb)
	require.NoError(t, json.Unmarshal(payload, &dp))
	plaintext, err = box.Open(dp.Payload)
	require.NoError(t, err)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(plaintext, &resp))
	assert.Equal(t, "req-000000001", resp.RequestID)
	assert.True(t, resp.OK)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"tracks":[]}`, string(resp.Data))
}

func TestHostDropsUndecryptableFrames(t *testing.T) {
	inj := &stubInjector{status: 200, calls: make(chan APIRequest, 1)}
	host, relay, store := newHostHarness(t, inj)
	conn := relay.waitConn(t)

	relay.nextFrame(t) // register
	send(t, conn, EvtRegistered, RegisteredPayload{RoomID: store.RelayRoomID()})
	assert.Eventually(t, host.Connected, 2*time.Second, 10*time.Millisecond)

	peerKeys, err := cryptoops.NewSealKeypair()
	require.NoError(t, err)
	peerID := base64.StdEncoding.EncodeToString(peerKeys.Public)
	send(t, conn, EvtPeerJoined, PeerInfo{PeerID: peerID})
	relay.nextFrame(t) // welcome

	// Garbage ciphertext must not reach the injector or kill the session.
	send(t, conn, VerbData, DataPayload{From: peerID, Payload: []byte("not a sealed frame")})

	select {
	case <-inj.calls:
		t.Fatal("undecryptable frame reached the injector")
	case <-time.After(200 * time.Millisecond):
	}
	assert.True(t, host.Connected())
}

func TestHostFatalRelayError(t *testing.T) {
	store, err := identity.Open(t.TempDir())
	require.NoError(t, err)
	relay := newFakeRelay(t)
	host := NewHostClient(HostConfig{
		RelayURL: relay.url(),
		Identity: store,
		Injector: &stubInjector{status: 200},
	})

	errs := make(chan error, 1)
	go func() { errs <- host.Run(context.Background()) }()

	conn := relay.waitConn(t)
	relay.nextFrame(t) // register
	send(t, conn, EvtError, ErrorPayload{Message: "identity key mismatch", Fatal: true})

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrRelayFatal)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not stop on fatal relay error")
	}
}

func TestHostPeerLeftClearsPeer(t *testing.T) {
	host, relay, store := newHostHarness(t, &stubInjector{status: 200})
	conn := relay.waitConn(t)

	relay.nextFrame(t)
	send(t, conn, EvtRegistered, RegisteredPayload{RoomID: store.RelayRoomID()})

	peerKeys, err := cryptoops.NewSealKeypair()
	require.NoError(t, err)
	peerID := base64.StdEncoding.EncodeToString(peerKeys.Public)
	send(t, conn, EvtPeerJoined, PeerInfo{PeerID: peerID})
	relay.nextFrame(t) // welcome

	assert.Eventually(t, func() bool { return len(host.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	send(t, conn, EvtPeerLeft, PeerInfo{PeerID: peerID})
	assert.Eventually(t, func() bool { return len(host.Peers()) == 0 }, 2*time.Second, 10*time.Millisecond)
}
