// Package certstore generates, persists, and reads the long-lived TLS
// identity each local daemon uses to authenticate itself to peers. The
// certificate's Common Name is the system's durable DeviceId: the whole
// pairing trust model rests on pinning this key across reconnects.
package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	certFileName = "certificate.pem"
	keyFileName  = "private.pem"
	keyBits      = 4096
	validFor     = 10 * 365 * 24 * time.Hour
	serialNumber = 10
)

// ErrCertificate wraps failures generating, parsing, or pinning a certificate.
var ErrCertificate = errors.New("certificate error")

// Identity bundles the TLS certificate pair this daemon presents to peers,
// plus the cached derived values that are expensive to recompute (common
// name, fingerprint, public key DER).
type Identity struct {
	TLS  tls.Certificate
	leaf *x509.Certificate

	once        sync.Once
	commonName  string
	fingerprint string
	publicKeyDER []byte
}

func wrap(tlsCert tls.Certificate) (*Identity, error) {
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: parsing leaf: %v", ErrCertificate, err)
	}
	return &Identity{TLS: tlsCert, leaf: leaf}, nil
}

func (id *Identity) resolve() {
	id.once.Do(func() {
		id.commonName = id.leaf.Subject.CommonName
		sum := sha256.Sum256(id.leaf.Raw)
		id.fingerprint = formatFingerprint(sum[:])
		id.publicKeyDER = id.leaf.RawSubjectPublicKeyInfo
	})
}

// CommonName returns the certificate's subject CN, the system DeviceId.
// Stable across repeated calls on the same Identity.
func (id *Identity) CommonName() string {
	id.resolve()
	return id.commonName
}

// Fingerprint returns the SHA-256 of the DER-encoded certificate as
// colon-joined uppercase hex pairs (95 characters).
func (id *Identity) Fingerprint() string {
	id.resolve()
	return id.fingerprint
}

// PublicKeyDER returns the DER-encoded SubjectPublicKeyInfo.
func (id *Identity) PublicKeyDER() []byte {
	id.resolve()
	return id.publicKeyDER
}

// Leaf returns the parsed leaf x509 certificate.
func (id *Identity) Leaf() *x509.Certificate {
	return id.leaf
}

func formatFingerprint(sum []byte) string {
	pairs := make([]string, len(sum))
	for i, b := range sum {
		pairs[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(pairs, ":")
}

// LoadOrCreate loads certificate.pem/private.pem from dir if both exist,
// otherwise generates a fresh self-signed RSA-4096 identity (CN = random
// UUIDv4) and writes both files atomically with mode 0600.
func LoadOrCreate(dir string) (*Identity, error) {
	certPath := filepath.Join(dir, certFileName)
	keyPath := filepath.Join(dir, keyFileName)

	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			tlsCert, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return nil, fmt.Errorf("%w: loading existing identity: %v", ErrCertificate, err)
			}
			return wrap(tlsCert)
		}
	}

	return generate(dir)
}

func generate(dir string) (*Identity, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generating key: %v", ErrCertificate, err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: big.NewInt(serialNumber),
		Subject: pkix.Name{
			Organization:       []string{"Valent"},
			OrganizationalUnit: []string{"Valent"},
			CommonName:         uuid.NewString(),
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("%w: signing certificate: %v", ErrCertificate, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrCertificate, dir, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, certFileName), certPEM, 0600); err != nil {
		return nil, fmt.Errorf("%w: writing certificate: %v", ErrCertificate, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, keyFileName), keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("%w: writing private key: %v", ErrCertificate, err)
	}

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: re-reading generated identity: %v", ErrCertificate, err)
	}
	return wrap(tlsCert)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
