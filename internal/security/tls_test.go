package security

import (
	"crypto/tls"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestServerConfig_Disabled(t *testing.T) {
	cfg, err := DefaultTLSConfig().ServerConfig()
	if err != nil || cfg != nil {
		t.Errorf("disabled ServerConfig = %v, %v; want nil, nil", cfg, err)
	}
}

func TestServerConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  TLSConfig
		want error
	}{
		{"no certificate", TLSConfig{Enabled: true}, ErrNoCertificate},
		{"bad client auth", TLSConfig{Enabled: true, SelfSigned: true, ClientAuth: "sometimes"}, nil},
		{"missing key pair", TLSConfig{Enabled: true, CertFile: "/nonexistent.crt", KeyFile: "/nonexistent.key"}, nil},
		{"missing CA", TLSConfig{Enabled: true, SelfSigned: true, CAFile: "/nonexistent.pem"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.ServerConfig()
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestServerConfig_SelfSigned(t *testing.T) {
	cfg, err := TLSConfig{
		Enabled:    true,
		SelfSigned: true,
		MinVersion: "1.3",
		ClientAuth: ClientAuthRequireVerify,
	}.ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates = %d", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS13 || cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("min %x auth %v", cfg.MinVersion, cfg.ClientAuth)
	}
}

// writeCA saves cert as a PEM file so it can be trusted by a client.
func writeCA(t *testing.T, cert tls.Certificate) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ca.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHandshake(t *testing.T) {
	cert, err := SelfSigned("ddid", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}

	serverCfg := &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	url := "https://" + ln.Addr().String() + "/"
	get := func(cfg *tls.Config) error {
		client := &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{TLSClientConfig: cfg},
		}
		resp, err := client.Get(url)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}

	// WHAT: trusting the CA file verifies the self-signed certificate
	trusted, err := ClientConfig(writeCA(t, cert), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := get(trusted); err != nil {
		t.Errorf("trusted client: %v", err)
	}

	// WHY: without the CA the system roots reject it
	untrusted, _ := ClientConfig("", false)
	if err := get(untrusted); err == nil {
		t.Error("untrusted client accepted a self-signed certificate")
	}

	insecure, _ := ClientConfig("", true)
	if err := get(insecure); err != nil {
		t.Errorf("insecure client: %v", err)
	}
}
