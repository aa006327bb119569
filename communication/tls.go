package communication

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// LoadCertPool loads a certificate authority file into a new cert pool.
func LoadCertPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("pool append certs from pem failed")
	}
	return pool, nil
}

// LoadTLSConfig builds the mutual-TLS configuration shared by the
// server listener and the peer client: both sides present a certificate
// signed by the same CA and require the same from the other end.
func LoadTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	pool, err := LoadCertPool(caFile)
	if err != nil {
		return nil, fmt.Errorf("load cert pool from (%s): %w", caFile, err)
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load x509 key pair from (%s, %s): %w", certFile, keyFile, err)
	}
	cfg := &tls.Config{
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	return cfg, nil
}

// NewPeerClient builds the HTTP client used to post envelopes to peers.
// With a nil TLS config the client speaks plain HTTP, which is what the
// in-process tests and local setups use.
func NewPeerClient(tlsConfig *tls.Config) *http.Client {
	transport := &http.Transport{}
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}
