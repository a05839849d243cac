package cdc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
)

// Env var names for the TLS client, renamed from the original's
// P1_TLS_* sweep.
const (
	EnvTLSDomain       = "QUIVERDB_CDC_TLS_DOMAIN"
	EnvTLSCAFile       = "QUIVERDB_CDC_TLS_CA_FILE"
	EnvTLSClientCert   = "QUIVERDB_CDC_TLS_CLIENT_CERT"
	EnvTLSClientKey    = "QUIVERDB_CDC_TLS_CLIENT_KEY"
	EnvTLSInsecureSkip = "QUIVERDB_CDC_TLS_INSECURE_SKIP_VERIFY"
)

// DialPlain connects a plain TCP sink for addr ("host:port").
func DialPlain(addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cdc: connect %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

// DialTLS connects a TLS sink for addr, configured from the environment:
// QUIVERDB_CDC_TLS_DOMAIN overrides SNI/hostname verification (default:
// host parsed from addr); QUIVERDB_CDC_TLS_CA_FILE adds a PEM CA bundle;
// QUIVERDB_CDC_TLS_CLIENT_CERT/_KEY enable mTLS via a PEM keypair.
func DialTLS(addr string) (net.Conn, error) {
	domain, err := tlsDomainForAddr(addr)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{ServerName: domain}

	if ca, ok := os.LookupEnv(EnvTLSCAFile); ok {
		pem, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("cdc: read CA file %s: %w", ca, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("cdc: no certificates found in CA file %s", ca)
		}
		cfg.RootCAs = pool
	}

	certPath, hasCert := os.LookupEnv(EnvTLSClientCert)
	keyPath, hasKey := os.LookupEnv(EnvTLSClientKey)
	if hasCert && hasKey {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("cdc: load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if v, ok := os.LookupEnv(EnvTLSInsecureSkip); ok && isTruthy(v) {
		cfg.InsecureSkipVerify = true
	}

	conn, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("cdc: tls connect (SNI=%s): %w", domain, err)
	}
	return conn, nil
}

func tlsDomainForAddr(addr string) (string, error) {
	if v, ok := os.LookupEnv(EnvTLSDomain); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, nil
	}
	return host, nil
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
