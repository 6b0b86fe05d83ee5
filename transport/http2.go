// Package transport provides the HTTP/2 client used to export leak reports.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

// DefaultTimeout bounds a single export request.
const DefaultTimeout = 10 * time.Second

// TLSFiles names the PEM files for mutual TLS.
type TLSFiles struct {
	CertPath string `yaml:"cert"`
	KeyPath  string `yaml:"key"`
	CAPath   string `yaml:"ca"`
}

// Validate checks that every path is set.
func (f TLSFiles) Validate() error {
	if f.CertPath == "" {
		return fmt.Errorf("certPath required")
	}
	if f.KeyPath == "" {
		return fmt.Errorf("keyPath required")
	}
	if f.CAPath == "" {
		return fmt.Errorf("caPath required")
	}
	return nil
}

// LoadTLSConfig builds a TLS 1.3 client configuration from files.
func LoadTLSConfig(files TLSFiles) (*tls.Config, error) {
	if err := files.Validate(); err != nil {
		return nil, err
	}

	clientCert, err := tls.LoadX509KeyPair(files.CertPath, files.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(files.CAPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
	}, nil
}

// BuildHTTP2Client creates an HTTP/2 client with mTLS 1.3. A zero timeout
// means DefaultTimeout.
func BuildHTTP2Client(files TLSFiles, timeout time.Duration) (*http.Client, error) {
	tlsConfig, err := LoadTLSConfig(files)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &http.Client{
		Transport: &http2.Transport{
			TLSClientConfig: tlsConfig,
		},
		Timeout: timeout,
	}, nil
}
