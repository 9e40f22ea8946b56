package httpfront

import (
	"crypto/tls"
	"log/slog"
	"sync"
	"time"
)

type certEntry struct {
	cert      *tls.Certificate
	expiresAt time.Time
}

// CertCache caches per-host leaf certificates so repeated connections
// to the same host skip the signing work. Read lock on the hit path,
// write lock only to fill a miss.
type CertCache struct {
	mu     sync.RWMutex
	certs  map[string]*certEntry
	ca     *CAManager
	ttl    time.Duration
	logger *slog.Logger
}

// NewCertCache creates a cache backed by ca. Entries are regenerated
// after ttl.
func NewCertCache(ca *CAManager, ttl time.Duration, logger *slog.Logger) *CertCache {
	return &CertCache{
		certs:  make(map[string]*certEntry),
		ca:     ca,
		ttl:    ttl,
		logger: logger,
	}
}

// GetCert returns the leaf certificate for host, minting one on miss.
func (cc *CertCache) GetCert(host string) (*tls.Certificate, error) {
	cc.mu.RLock()
	entry, ok := cc.certs[host]
	if ok && time.Now().Before(entry.expiresAt) {
		cc.mu.RUnlock()
		return entry.cert, nil
	}
	cc.mu.RUnlock()

	cc.mu.Lock()
	defer cc.mu.Unlock()
	// Another goroutine may have filled the entry while we waited.
	entry, ok = cc.certs[host]
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.cert, nil
	}

	cc.logger.Debug("minting leaf certificate", "host", host)
	cert, err := cc.ca.GenerateCert(host)
	if err != nil {
		return nil, err
	}
	cc.certs[host] = &certEntry{cert: cert, expiresAt: time.Now().Add(cc.ttl)}
	return cert, nil
}

// Size reports the number of cached certificates.
func (cc *CertCache) Size() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.certs)
}
