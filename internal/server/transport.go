package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"monitorhub/internal/config"
)

// DefaultShutdownTimeout bounds graceful shutdown once the run context ends.
const DefaultShutdownTimeout = 10 * time.Second

// ErrTLSMaterial reports key or certificate files that could not be loaded.
var ErrTLSMaterial = errors.New("server: tls material unreadable")

// Transport is the listener flavour chosen at startup: TLS when both key and
// certificate are configured, plain TCP otherwise. It never changes after
// construction.
type Transport struct {
	tlsConfig *tls.Config
}

func NewTransport(cfg config.TLSConfig) (*Transport, error) {
	if (cfg.KeyFile == "") != (cfg.CertFile == "") {
		return nil, config.ErrPartialTLS
	}
	if !cfg.Enabled() {
		return &Transport{}, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLSMaterial, err)
	}
	return &Transport{tlsConfig: &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		// Websocket upgrades need HTTP/1.1.
		NextProtos: []string{"http/1.1"},
	}}, nil
}

func (t *Transport) Secure() bool {
	return t != nil && t.tlsConfig != nil
}

func (t *Transport) Scheme() string {
	if t.Secure() {
		return "https"
	}
	return "http"
}

// TLSConfig returns a copy of the listener TLS configuration, or nil.
func (t *Transport) TLSConfig() *tls.Config {
	if !t.Secure() {
		return nil
	}
	return t.tlsConfig.Clone()
}

func (t *Transport) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if t.Secure() {
		return tls.NewListener(ln, t.tlsConfig), nil
	}
	return ln, nil
}

// serve runs srv on ln until ctx ends, then shuts it down gracefully within
// timeout. ready, when non-nil, is closed once the listener is serving.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration, ready chan<- struct{}) error {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	if ready != nil {
		close(ready)
	}

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}
	return shutdownErr
}
