// Package tlsutil provides TLS configuration utilities and the TLS stream
// extension.
package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/c360/bbdobroker/errors"
	"github.com/c360/bbdobroker/stream"
)

// DefaultHandshakeTimeout bounds the TLS handshake when Config leaves it unset.
const DefaultHandshakeTimeout = 10 * time.Second

// Config holds the TLS settings of one endpoint. The same structure serves
// both roles: an acceptor presents CertFile/KeyFile and verifies clients
// against CAFile, a connector verifies the server against CAFile and presents
// CertFile/KeyFile when set.
type Config struct {
	CertFile           string        `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile            string        `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile             string        `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	ServerName         string        `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
	RequireClientCert  bool          `json:"require_client_cert,omitempty" yaml:"require_client_cert,omitempty"`
	AllowedClientCNs   []string      `json:"allowed_client_cns,omitempty" yaml:"allowed_client_cns,omitempty"`
	MinVersion         string        `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	HandshakeTimeout   time.Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
}

// LoadServerTLSConfig creates a tls.Config for the accepting side. With a CA
// file, client certificates are verified against it.
func LoadServerTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: server TLS needs cert_file and key_file", errors.ErrMissingConfig),
			"tlsutil", "LoadServerTLSConfig", "check certificate")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if cfg.CAFile != "" {
		if err := applyMTLSConfig(tlsConfig, cfg); err != nil {
			return nil, err
		}
	}

	return tlsConfig, nil
}

// LoadClientTLSConfig creates a tls.Config for the connecting side.
// Always uses system CA bundle first, CAFile is an additional trusted CA
func LoadClientTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
		ServerName: cfg.ServerName,
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if cfg.CAFile != "" {
		if err := appendCAFile(rootCAs, cfg.CAFile, "LoadClientTLSConfig"); err != nil {
			return nil, err
		}
	}
	tlsConfig.RootCAs = rootCAs

	// Operators opt into this explicitly.
	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}

	return tlsConfig, nil
}

// applyMTLSConfig applies client verification settings to a server config
func applyMTLSConfig(tlsConfig *tls.Config, cfg Config) error {
	clientCAs := x509.NewCertPool()
	if err := appendCAFile(clientCAs, cfg.CAFile, "applyMTLSConfig"); err != nil {
		return err
	}

	tlsConfig.ClientCAs = clientCAs
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedClientCNs) > 0 {
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(verifiedChains, cfg.AllowedClientCNs)
		}
	}

	return nil
}

func appendCAFile(pool *x509.CertPool, caFile, method string) error {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return errors.WrapFatal(err, "tlsutil", method, fmt.Sprintf("read CA file %s", caFile))
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return errors.WrapFatal(
			fmt.Errorf("invalid PEM data"),
			"tlsutil", method,
			fmt.Sprintf("parse CA certificate from %s", caFile))
	}
	return nil
}

// verifyAllowedClientCN checks if client certificate CN is in whitelist
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}

	leafCert := chains[0][0]
	for _, allowedCN := range allowedCNs {
		if leafCert.Subject.CommonName == allowedCN {
			return nil
		}
	}

	return fmt.Errorf("client certificate CN '%s' not in allowed list",
		leafCert.Subject.CommonName)
}

// parseTLSVersion converts version string to crypto/tls constant
// Returns tls.VersionTLS12 if empty or invalid
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	case "1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}

// Layer loads cfg and returns the TLS extension layer. The acceptor role
// needs a certificate; a connector without one still works unless the server
// requires client certificates. The handshake runs inside the layer so
// failures surface while the stream opens.
func Layer(cfg Config) (func(stream.ByteStream, stream.Role) (stream.ByteStream, error), error) {
	client, err := LoadClientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	var server *tls.Config
	if cfg.CertFile != "" {
		if server, err = LoadServerTLSConfig(cfg); err != nil {
			return nil, err
		}
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	return func(lower stream.ByteStream, role stream.Role) (stream.ByteStream, error) {
		conn := stream.AsConn(lower)

		var tc *tls.Conn
		if role == stream.RoleAcceptor {
			if server == nil {
				return nil, errors.WrapFatal(
					fmt.Errorf("%w: accepting TLS needs cert_file and key_file", errors.ErrMissingConfig),
					"tlsutil", "Layer", "start TLS server")
			}
			tc = tls.Server(conn, server)
		} else {
			tc = tls.Client(conn, client)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := tc.HandshakeContext(ctx); err != nil {
			return nil, errors.WrapTransient(err, "tlsutil", "Layer", "TLS handshake")
		}
		return tc, nil
	}, nil
}
