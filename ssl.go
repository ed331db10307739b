package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/knadh/tally/store"
	"github.com/pkg/errors"
	"golang.org/x/crypto/acme/autocert"
)

// sslCfg is the [ssl] configuration section.
type sslCfg struct {
	Enabled     bool     `koanf:"enabled"`
	Email       string   `koanf:"email"`
	Address     string   `koanf:"address"`
	Kind        string   `koanf:"kind"`
	PrivateKey  string   `koanf:"privatekey"`
	Certificate string   `koanf:"certificate"`
	Domains     []string `koanf:"domains"`
	Storage     string   `koanf:"storage"`
	Path        string   `koanf:"path"`
}

const sslKeyPrefix = "ssl:"

func tlsConfig(getCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error)) *tls.Config {
	return &tls.Config{
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.CurveP521, tls.CurveP384, tls.CurveP256},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
		GetCertificate: getCertificate,
	}
}

// handleHTTPRedirect sends plain HTTP requests to the TLS listener.
func handleHTTPRedirect(sslPort string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil {
			next.ServeHTTP(w, r)
			return
		}

		h, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			h = r.Host
		}
		if h == "" {
			h = "localhost"
		}
		target := "https://" + h
		if sslPort != "443" {
			target += ":" + sslPort
		}
		http.Redirect(w, r, target+r.URL.RequestURI(), http.StatusFound)
	})
}

// certCache picks where letsencrypt certificates are kept. The grant
// store is used unless it is in-memory or disk storage is requested.
func certCache(cfg sslCfg, storage string, st store.Store) autocert.Cache {
	useDisk := cfg.Storage == "disk" || (cfg.Storage != "store" && (storage == "memory" || storage == ""))
	if !useDisk {
		return sslStore{prefix: sslKeyPrefix, store: st}
	}
	if cfg.Path == "" {
		cfg.Path = "certs"
	}
	return autocert.DirCache(cfg.Path)
}

// sslStore implements autocert.Cache on top of a store.Store.
type sslStore struct {
	prefix string
	store  store.Store
}

func (s sslStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.store.Get(s.prefix + key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, autocert.ErrCacheMiss
	}
	return b, err
}

func (s sslStore) Put(ctx context.Context, key string, data []byte) error {
	return s.store.Set(s.prefix+key, data, 0)
}

func (s sslStore) Delete(ctx context.Context, key string) error {
	return s.store.Delete(s.prefix + key)
}

// selfSigned returns a tls.Config.GetCertificate func serving a
// self-signed certificate generated once for hosts.
func selfSigned(hosts []string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, err := generateCert(certOpts{
		RSABits:   2048,
		IsCA:      true,
		Hosts:     hosts,
		ValidFrom: time.Now(),
		ValidFor:  time.Hour * 24 * 365,
	})
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return cert, err
	}
}

// certOpts define the certificate to generate.
type certOpts struct {
	RSABits   int
	Hosts     []string
	IsCA      bool
	ValidFrom time.Time
	ValidFor  time.Duration
}

// generateCert creates a self-signed certificate for the given options.
func generateCert(opts certOpts) (*tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, opts.RSABits)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate private key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate serial number")
	}

	tpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Tally"}},
		NotBefore:             opts.ValidFrom,
		NotAfter:              opts.ValidFrom.Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range opts.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			tpl.IPAddresses = append(tpl.IPAddresses, ip)
		} else {
			tpl.DNSNames = append(tpl.DNSNames, h)
		}
	}
	if opts.IsCA {
		tpl.IsCA = true
		tpl.KeyUsage |= x509.KeyUsageCertSign
	}

	der, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create certificate")
	}
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
