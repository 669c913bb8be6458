// Package tlsconfig builds TLS configurations for the delivery endpoints,
// with optional mutual auth and on-disk certificate rotation.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "os"
    "sync"
    "time"
)

// Options defines TLS configuration inputs.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
}

func (o Options) caPool() (*x509.CertPool, error) {
    if o.CAFile == "" {
        return nil, nil
    }
    pem, err := os.ReadFile(o.CAFile)
    if err != nil {
        return nil, err
    }
    pool := x509.NewCertPool()
    pool.AppendCertsFromPEM(pem)
    return pool, nil
}

// Server returns a tls.Config for the listening side, nil when disabled.
// A CA file turns on required client certificate verification.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, errors.New("tlsconfig: server cert/key required when TLS enabled")
    }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil {
        return nil, err
    }
    cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
    pool, err := o.caPool()
    if err != nil {
        return nil, err
    }
    if pool != nil {
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a tls.Config for the dialing side, nil when disabled.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.ServerName != "" {
        cfg.ServerName = o.ServerName
    }
    pool, err := o.caPool()
    if err != nil {
        return nil, err
    }
    if pool != nil {
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil {
            return nil, err
        }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// certCache re-reads the key pair from disk at most every ttl, so rotated
// certificates are picked up without a restart.
type certCache struct {
    certFile, keyFile string
    ttl               time.Duration

    mu     sync.RWMutex
    cached *tls.Certificate
    loaded time.Time
}

func (c *certCache) get() (*tls.Certificate, error) {
    c.mu.RLock()
    if c.cached != nil && time.Since(c.loaded) < c.ttl {
        cert := *c.cached
        c.mu.RUnlock()
        return &cert, nil
    }
    c.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(c.certFile, c.keyFile)
    if err != nil {
        return nil, err
    }
    c.mu.Lock()
    c.cached = &cert
    c.loaded = time.Now()
    c.mu.Unlock()
    return &cert, nil
}

// ServerHotReload is Server with lazy certificate reload on handshake.
// The CA pool is loaded once.
func (o Options) ServerHotReload() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, errors.New("tlsconfig: server cert/key required when TLS enabled")
    }
    cfg := &tls.Config{}
    pool, err := o.caPool()
    if err != nil {
        return nil, err
    }
    if pool != nil {
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    cache := &certCache{certFile: o.CertFile, keyFile: o.KeyFile, ttl: 10 * time.Second}
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
        return cache.get()
    }
    return cfg, nil
}

// ClientHotReload is Client with lazy certificate reload on handshake.
func (o Options) ClientHotReload() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.ServerName != "" {
        cfg.ServerName = o.ServerName
    }
    pool, err := o.caPool()
    if err != nil {
        return nil, err
    }
    if pool != nil {
        cfg.RootCAs = pool
    }
    if o.CertFile == "" || o.KeyFile == "" {
        return cfg, nil
    }
    cache := &certCache{certFile: o.CertFile, keyFile: o.KeyFile, ttl: 10 * time.Second}
    cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
        return cache.get()
    }
    return cfg, nil
}
