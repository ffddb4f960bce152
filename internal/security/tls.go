// =============================================================================
// TLS - OPTIONAL TRANSPORT SECURITY FOR THE CONTROL SURFACES
// =============================================================================
//
// The HTTP control API can change delays on a live host and the gRPC health
// endpoint is often exposed to an orchestrator, so both can be served over
// TLS. ddictl uses the client half.
//
//   ddid.yaml                         ddictl context
//   ─────────────────────────         ──────────────────────────
//   tls:                              server: https://host:7070
//     enabled: true                   ca-file: /etc/ddi/ca.pem
//     cert_file: /etc/ddi/tls.crt
//     key_file:  /etc/ddi/tls.key
//     ca_file:   /etc/ddi/ca.pem      # with client_auth, mTLS
//     client_auth: require-verify
//
// self_signed generates an in-memory ECDSA certificate for test rigs.
//
// =============================================================================

package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// ErrNoCertificate means TLS is enabled with neither a key pair nor
// self_signed.
var ErrNoCertificate = errors.New("TLS enabled but no certificate provided")

// Client authentication modes accepted in TLSConfig.ClientAuth.
const (
	ClientAuthNone          = "none"
	ClientAuthRequest       = "request"
	ClientAuthRequire       = "require"
	ClientAuthVerify        = "verify"
	ClientAuthRequireVerify = "require-verify"
)

// TLSConfig is the serving-side TLS section of the daemon configuration.
type TLSConfig struct {
	Enabled bool `yaml:"enabled"`

	// CertFile and KeyFile are PEM paths
	CertFile string `yaml:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `yaml:"key_file" validate:"required_with=CertFile"`

	// CAFile verifies client certificates
	CAFile string `yaml:"ca_file"`

	// ClientAuth is none, request, require, verify or require-verify
	ClientAuth string `yaml:"client_auth" validate:"omitempty,oneof=none request require verify require-verify"`

	// MinVersion is "1.2" or "1.3" (default 1.2)
	MinVersion string `yaml:"min_version" validate:"omitempty,oneof=1.2 1.3"`

	// SelfSigned generates a certificate when no key pair is given
	SelfSigned bool `yaml:"self_signed"`
}

// DefaultTLSConfig returns TLS disabled with TLS 1.2 as the floor.
func DefaultTLSConfig() TLSConfig {
	return TLSConfig{
		ClientAuth: ClientAuthNone,
		MinVersion: "1.2",
	}
}

// ServerConfig builds a *tls.Config for the listeners. It returns nil when
// TLS is disabled.
func (c TLSConfig) ServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.MinVersion == "1.3" {
		cfg.MinVersion = tls.VersionTLS13
	}

	auth, err := parseClientAuth(c.ClientAuth)
	if err != nil {
		return nil, err
	}
	cfg.ClientAuth = auth

	var cert tls.Certificate
	switch {
	case c.CertFile != "" && c.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
	case c.SelfSigned:
		cert, err = SelfSigned("ddid", time.Now().Add(365*24*time.Hour))
		if err != nil {
			return nil, fmt.Errorf("generate self-signed certificate: %w", err)
		}
	default:
		return nil, ErrNoCertificate
	}
	cfg.Certificates = []tls.Certificate{cert}

	if c.CAFile != "" {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

// ClientConfig builds the ddictl side: caFile adds a trust root and
// insecure skips verification entirely.
func ClientConfig(caFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure, //nolint:gosec // operator opt-in for self-signed rigs
	}
	if caFile != "" {
		pool, err := loadPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func parseClientAuth(mode string) (tls.ClientAuthType, error) {
	switch mode {
	case "", ClientAuthNone:
		return tls.NoClientCert, nil
	case ClientAuthRequest:
		return tls.RequestClientCert, nil
	case ClientAuthRequire:
		return tls.RequireAnyClientCert, nil
	case ClientAuthVerify:
		return tls.VerifyClientCertIfGiven, nil
	case ClientAuthRequireVerify:
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("unknown client auth mode %q", mode)
	}
}

func loadPool(path string) (*x509.CertPool, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

// SelfSigned returns an ECDSA P-256 certificate for localhost valid until
// notAfter.
func SelfSigned(commonName string, notAfter time.Time) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"ddi"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost", commonName},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}

	return tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
}
