package backend

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/net/http2"
)

// TransportConfig describes the client-certificate material for the mutually
// authenticated connection to the backend.
type TransportConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
	// InsecureSkipVerify disables server certificate verification. Deployment
	// policy decides whether this is ever acceptable; the pipeline just
	// carries the switch through.
	InsecureSkipVerify bool
}

// NewHTTPClient builds the authenticated transport the engine consumes as an
// opaque capability. With no certificate configured it returns a plain client,
// which is what local development and the test suite use.
func NewHTTPClient(cfg TransportConfig) (*http.Client, error) {
	if cfg.CertFile == "" && cfg.KeyFile == "" && cfg.CAFile == "" && !cfg.InsecureSkipVerify {
		return &http.Client{}, nil
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	transport := &http.Transport{TLSClientConfig: tlsCfg}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	if cfg.InsecureSkipVerify {
		slog.Warn("backend transport: server certificate verification disabled")
	}
	slog.Info("backend transport configured",
		"client_cert", cfg.CertFile != "",
		"custom_ca", cfg.CAFile != "")
	return &http.Client{Transport: transport}, nil
}
