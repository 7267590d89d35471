package dispatch

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// alexaTimestampTolerance is the maximum request age Amazon allows.
	alexaTimestampTolerance = 150 * time.Second

	// certCacheTTL is how long a downloaded certificate chain is reused.
	certCacheTTL = time.Hour

	alexaCertHost = "s3.amazonaws.com"
	alexaCertPath = "/echo.api/"
	alexaSAN      = "echo-api.amazon.com"
)

// alexaVerifier validates Alexa request signatures against Amazon's
// certificate chain, with an in-memory certificate cache.
type alexaVerifier struct {
	httpc *http.Client
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cachedCert

	// insecureSkipURLCheck relaxes the cert-chain URL validation; set only
	// by tests serving certificates from httptest.
	insecureSkipURLCheck bool
}

type cachedCert struct {
	cert      *x509.Certificate
	fetchedAt time.Time
}

func newAlexaVerifier() *alexaVerifier {
	return &alexaVerifier{
		httpc: &http.Client{Timeout: 10 * time.Second},
		now:   time.Now,
		cache: map[string]cachedCert{},
	}
}

// verify checks the certificate chain URL, request timestamp, certificate
// SAN and validity, and the RSA/PKCS1v15/SHA-256 signature over the raw
// body.
func (v *alexaVerifier) verify(certURL, signatureB64 string, body []byte, timestamp string) error {
	if err := v.validateCertURL(certURL); err != nil {
		return err
	}
	if err := v.validateTimestamp(timestamp); err != nil {
		return err
	}

	cert, err := v.fetchCert(certURL)
	if err != nil {
		return err
	}

	now := v.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("certificate outside its validity window")
	}
	if !containsSAN(cert, alexaSAN) {
		return fmt.Errorf("certificate SAN does not include %s", alexaSAN)
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate key is not RSA")
	}

	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func (v *alexaVerifier) validateCertURL(raw string) error {
	if v.insecureSkipURLCheck {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid cert chain url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("cert chain url must be https")
	}
	if !strings.EqualFold(u.Hostname(), alexaCertHost) {
		return fmt.Errorf("cert chain url host must be %s", alexaCertHost)
	}
	if port := u.Port(); port != "" && port != "443" {
		return fmt.Errorf("cert chain url port must be 443")
	}
	if !strings.HasPrefix(u.Path, alexaCertPath) {
		return fmt.Errorf("cert chain url path must start with %s", alexaCertPath)
	}
	return nil
}

func (v *alexaVerifier) validateTimestamp(timestamp string) error {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid request timestamp: %w", err)
	}
	age := v.now().Sub(ts)
	if age < 0 {
		age = -age
	}
	if age > alexaTimestampTolerance {
		return fmt.Errorf("request timestamp outside tolerance: %s", age)
	}
	return nil
}

// fetchCert returns the signing certificate for a chain URL, from cache
// when fresh.
func (v *alexaVerifier) fetchCert(certURL string) (*x509.Certificate, error) {
	v.mu.Lock()
	if entry, ok := v.cache[certURL]; ok && v.now().Sub(entry.fetchedAt) < certCacheTTL {
		v.mu.Unlock()
		return entry.cert, nil
	}
	v.mu.Unlock()

	resp, err := v.httpc.Get(certURL)
	if err != nil {
		return nil, fmt.Errorf("fetch cert chain: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch cert chain: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	// The first certificate in the chain is the signing certificate.
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM certificate in chain")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	v.mu.Lock()
	v.cache[certURL] = cachedCert{cert: cert, fetchedAt: v.now()}
	v.mu.Unlock()

	return cert, nil
}

func containsSAN(cert *x509.Certificate, name string) bool {
	for _, dns := range cert.DNSNames {
		if strings.EqualFold(dns, name) {
			return true
		}
	}
	return false
}
