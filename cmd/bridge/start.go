package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tonearm/bridge/bridge/auth"
	"github.com/tonearm/bridge/bridge/config"
	"github.com/tonearm/bridge/bridge/httpd"
	"github.com/tonearm/bridge/bridge/identity"
	"github.com/tonearm/bridge/bridge/relay"
	"github.com/tonearm/bridge/bridge/session"
)

// portBindAttempts successive ports are tried before giving up; the
// desktop app may already hold the default.
const portBindAttempts = 10

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagPort != 0 {
		cfg.Port = flagPort
	}
	return cfg, nil
}

// bindListener walks successive ports starting at cfg.Port.
func bindListener(cfg config.Config) (net.Listener, int, error) {
	for i := 0; i < portBindAttempts; i++ {
		port := cfg.Port + i
		addr := fmt.Sprintf("%s:%d", cfg.BindAddr, port)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				log.Warn().Int("port", port).Int("wanted", cfg.Port).Msg("[bridge] default port busy, moved")
			}
			return ln, port, nil
		}
		log.Debug().Err(err).Str("addr", addr).Msg("[bridge] port bind failed")
	}
	return nil, 0, fmt.Errorf("no free port in %d..%d", cfg.Port, cfg.Port+portBindAttempts-1)
}

func runStart(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ident, err := identity.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open identity: %w", err)
	}
	creds, err := auth.OpenCredentials(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open credentials: %w", err)
	}
	devices, err := auth.OpenDeviceRegistry(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open device registry: %w", err)
	}
	defer devices.Close()

	ln, port, err := bindListener(cfg)
	if err != nil {
		return err
	}
	cfg.Port = port

	pairing := auth.NewPairingCoordinator(devices, cfg.LocalURL(), ident.RelayRoomID(), auth.SchemeMemorable)
	pairing.SetRequireApproval(cfg.RequireApproval)
	defer pairing.Close()

	sessions := session.NewManager(cfg.SessionTTL, cfg.SweepInterval)
	sessions.Start()
	defer sessions.Stop()

	var host *relay.HostClient
	front, err := httpd.NewServer(httpd.Deps{
		Config:   cfg,
		Identity: ident,
		Creds:    creds,
		Devices:  devices,
		Pairing:  pairing,
		Sessions: sessions,
		RelayConnected: func() bool {
			return host != nil && host.Connected()
		},
	})
	if err != nil {
		return err
	}

	host = relay.NewHostClient(relay.HostConfig{
		RelayURL: cfg.RelayURL,
		Identity: ident,
		LocalURL: cfg.LocalURL(),
		Injector: front,
		Tokens:   front,
	})

	httpServer := &http.Server{
		Handler:           front.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	go func() {
		// Remote access is best-effort; local serving survives a dead relay.
		if err := host.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("[bridge] remote access unavailable")
		}
	}()

	log.Info().
		Str("server_id", ident.ServerID()).
		Str("server_name", ident.ServerName()).
		Str("local_url", cfg.LocalURL()).
		Str("room_id", ident.RelayRoomID()).
		Msg("[bridge] server up")
	log.Info().
		Str("pairing_code", pairing.CurrentCode().Code).
		Msg("[bridge] pair a device with this code or the QR at /api/auth/pair/qr")

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("[bridge] shutting down")
	host.Stop()

	// Listener goes last so in-flight requests drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("[bridge] forced listener close")
	}
	return nil
}
