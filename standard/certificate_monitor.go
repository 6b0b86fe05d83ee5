package standard

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/st-keller/leakwatch/transport"
)

// ExpiryWarningWindow is how early an expiring certificate is flagged.
const ExpiryWarningWindow = 30 * 24 * time.Hour

// CertificateMonitor tracks the expiry of the exporter's mTLS certificates.
type CertificateMonitor struct {
	files transport.TLSFiles
	now   func() time.Time

	mu        sync.RWMutex
	certs     []*CertificateInfo
	lastScan  time.Time
	scanError error
}

// CertificateInfo holds parsed certificate metadata.
type CertificateInfo struct {
	Path            string    `json:"path"`
	Purpose         string    `json:"purpose"` // "client" or "ca"
	Subject         string    `json:"subject"`
	Issuer          string    `json:"issuer"`
	ValidFrom       time.Time `json:"valid_from"`
	ValidUntil      time.Time `json:"valid_until"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	SANs            []string  `json:"sans"`
	IsExpired       bool      `json:"is_expired"`
	ExpiryWarning   bool      `json:"expiry_warning"` // expires within ExpiryWarningWindow
}

// NewCertificateMonitor creates a monitor for the client certificate and CA in files.
func NewCertificateMonitor(files transport.TLSFiles) *CertificateMonitor {
	return &CertificateMonitor{
		files: files,
		now:   time.Now,
	}
}

// Scan re-reads both certificates. A file that cannot be parsed is skipped and
// its error returned; the other is still recorded.
func (cm *CertificateMonitor) Scan() error {
	now := cm.now()

	var certs []*CertificateInfo
	var scanErr error
	for _, f := range []struct{ path, purpose string }{
		{cm.files.CertPath, "client"},
		{cm.files.CAPath, "ca"},
	} {
		if f.path == "" {
			continue
		}
		info, err := parseCertificateFile(f.path, now)
		if err != nil {
			scanErr = fmt.Errorf("failed to parse %s: %w", filepath.Base(f.path), err)
			continue
		}
		info.Purpose = f.purpose
		certs = append(certs, info)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.certs = certs
	cm.lastScan = now
	cm.scanError = scanErr
	return scanErr
}

// GetData returns the certificates keyed by file name.
func (cm *CertificateMonitor) GetData() interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	certData := make(map[string]interface{}, len(cm.certs))
	for _, info := range cm.certs {
		certData[filepath.Base(info.Path)] = info
	}

	data := map[string]interface{}{
		"certificates": certData,
		"last_scan":    cm.lastScan.UTC().Format(time.RFC3339),
	}
	if cm.scanError != nil {
		data["scan_error"] = cm.scanError.Error()
	}
	return data
}

// Expiring returns certificates that are still valid but expire within d,
// soonest first.
func (cm *CertificateMonitor) Expiring(d time.Duration) []*CertificateInfo {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var expiring []*CertificateInfo
	for _, cert := range cm.certs {
		if !cert.IsExpired && cert.ValidUntil.Sub(cm.lastScan) <= d {
			expiring = append(expiring, cert)
		}
	}
	sort.Slice(expiring, func(i, j int) bool {
		return expiring[i].ValidUntil.Before(expiring[j].ValidUntil)
	})
	return expiring
}

// Expired returns the certificates past their NotAfter date.
func (cm *CertificateMonitor) Expired() []*CertificateInfo {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var expired []*CertificateInfo
	for _, cert := range cm.certs {
		if cert.IsExpired {
			expired = append(expired, cert)
		}
	}
	return expired
}

// parseCertificateFile reads the first PEM certificate in path.
func parseCertificateFile(path string, now time.Time) (*CertificateInfo, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	remaining := cert.NotAfter.Sub(now)
	isExpired := now.After(cert.NotAfter)

	var sans []string
	for _, dns := range cert.DNSNames {
		sans = append(sans, "DNS:"+dns)
	}
	for _, ip := range cert.IPAddresses {
		sans = append(sans, "IP:"+ip.String())
	}

	return &CertificateInfo{
		Path:            path,
		Subject:         cert.Subject.String(),
		Issuer:          cert.Issuer.String(),
		ValidFrom:       cert.NotBefore,
		ValidUntil:      cert.NotAfter,
		DaysUntilExpiry: int(remaining.Hours() / 24),
		SANs:            sans,
		IsExpired:       isExpired,
		ExpiryWarning:   !isExpired && remaining <= ExpiryWarningWindow,
	}, nil
}
