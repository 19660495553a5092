// Package tls provisions the certificate served by the REST listener.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// Mode selects where the listener certificate comes from.
type Mode string

const (
	ModeOff        Mode = "off"
	ModeSelfSigned Mode = "self-signed"
	ModeManual     Mode = "manual"
	ModeACME       Mode = "acme"
)

// ParseMode accepts the configured mode name. Empty means off.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeOff, nil
	case ModeOff, ModeSelfSigned, ModeManual, ModeACME:
		return m, nil
	}
	return "", fmt.Errorf("tls mode %q must be one of off, self-signed, manual, acme", s)
}

// Config describes the listener certificate.
type Config struct {
	Mode     string
	CertFile string // manual
	KeyFile  string // manual
	// CertDir holds the generated self-signed pair and the ACME cache.
	CertDir string
	// Hosts are extra SANs for the self-signed certificate and the
	// allowed names for ACME.
	Hosts []string
	Email string // acme contact
}

// Manager hands out the current certificate for each handshake.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	mode   Mode
	now    func() time.Time

	acme *autocert.Manager

	mu      sync.Mutex
	cert    *tls.Certificate
	certMod time.Time
	keyMod  time.Time
}

// NewManager prepares the certificate for cfg.Mode. In off mode the
// returned manager reports Enabled false and TLSConfig nil.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, logger: logger, mode: mode, now: time.Now}

	switch mode {
	case ModeOff:
		return m, nil
	case ModeSelfSigned:
		if err := m.setupSelfSigned(); err != nil {
			return nil, fmt.Errorf("tls self-signed setup: %w", err)
		}
	case ModeManual:
		if m.cfg.CertFile == "" || m.cfg.KeyFile == "" {
			return nil, errors.New("tls manual setup: cert_file and key_file are required")
		}
		if err := m.reloadManual(); err != nil {
			return nil, fmt.Errorf("tls manual setup: %w", err)
		}
	case ModeACME:
		if len(cfg.Hosts) == 0 {
			return nil, errors.New("tls acme setup: at least one host is required")
		}
		m.acme = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Hosts...),
			Cache:      autocert.DirCache(filepath.Join(cfg.CertDir, "acme")),
			Email:      cfg.Email,
		}
	}

	logger.Info("tls_configured",
		"mode", string(mode),
		"cert_dir", cfg.CertDir,
		"component", "tls",
	)
	return m, nil
}

// Enabled reports whether the listener should serve TLS.
func (m *Manager) Enabled() bool {
	return m.mode != ModeOff
}

// Mode returns the configured mode.
func (m *Manager) Mode() Mode {
	return m.mode
}

// TLSConfig returns the server configuration, or nil in off mode.
func (m *Manager) TLSConfig() *tls.Config {
	switch m.mode {
	case ModeOff:
		return nil
	case ModeACME:
		cfg := m.acme.TLSConfig()
		cfg.MinVersion = tls.VersionTLS12
		return cfg
	}
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: m.getCertificate,
	}
}

func (m *Manager) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.mode == ModeManual {
		if err := m.reloadManual(); err != nil {
			// Keep serving the last good pair.
			m.logger.Warn("tls_reload_failed",
				"error", err,
				"cert_file", m.cfg.CertFile,
				"component", "tls",
			)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cert == nil {
		return nil, errors.New("no certificate loaded")
	}
	return m.cert, nil
}

// reloadManual loads the configured pair when either file changed since
// the last successful load.
func (m *Manager) reloadManual() error {
	certInfo, err := os.Stat(m.cfg.CertFile)
	if err != nil {
		return err
	}
	keyInfo, err := os.Stat(m.cfg.KeyFile)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cert != nil && certInfo.ModTime().Equal(m.certMod) && keyInfo.ModTime().Equal(m.keyMod) {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	reloaded := m.cert != nil
	m.cert = &cert
	m.certMod = certInfo.ModTime()
	m.keyMod = keyInfo.ModTime()
	if reloaded {
		m.logger.Info("tls_certificate_reloaded",
			"cert_file", m.cfg.CertFile,
			"component", "tls",
		)
	}
	return nil
}

func (m *Manager) setupSelfSigned() error {
	hosts := selfSignedHosts(m.cfg.Hosts)
	cert, err := loadSelfSigned(m.cfg.CertDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		m.logger.Warn("tls_selfsigned_reload_failed",
			"error", err,
			"action", "regenerating",
			"component", "tls",
		)
	case !usable(cert.Leaf, hosts, m.now()):
		m.logger.Info("tls_selfsigned_renewing",
			"not_after", cert.Leaf.NotAfter,
			"component", "tls",
		)
	default:
		m.cert = &cert
		return nil
	}

	cert, err = generateSelfSigned(m.cfg.CertDir, hosts, m.now())
	if err != nil {
		return fmt.Errorf("generate self-signed cert: %w", err)
	}
	m.logger.Info("tls_selfsigned_generated",
		"cert_dir", m.cfg.CertDir,
		"not_after", cert.Leaf.NotAfter,
		"component", "tls",
	)
	m.cert = &cert
	return nil
}
