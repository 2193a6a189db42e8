// Package keystore manages X.509 certificates and SSH key pairs for
// trading-partner transports.
//
// All private key material is confined to this package and the backing
// store. Other components hold key references (record IDs) and resolve
// them on demand through [Service.GetPrivateKey] and
// [Service.GetSSHPrivateKey]; nothing here ever logs key bytes.
package keystore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/opsinghis/tradelink/internal/storage"
)

// Errors returned by the keystore
var (
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrPrivateKeyNotFound  = errors.New("private key not found")
	ErrKeyPairNotFound     = errors.New("ssh key pair not found")
)

// CertificateParseError indicates malformed or unsupported certificate input
type CertificateParseError struct {
	Reason string
	Err    error
}

func (e *CertificateParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("certificate parse error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("certificate parse error: %s", e.Reason)
}

func (e *CertificateParseError) Unwrap() error { return e.Err }

// Service manages certificate and SSH key records
type Service struct {
	certs   storage.CertificateStore
	sshKeys storage.SSHKeyPairStore
	logger  *slog.Logger
}

// NewService creates a keystore service over the given stores
func NewService(certs storage.CertificateStore, sshKeys storage.SSHKeyPairStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{certs: certs, sshKeys: sshKeys, logger: logger}
}

// UploadCertificateInput holds the parameters for a certificate upload
type UploadCertificateInput struct {
	TenantID   string
	PartnerID  string
	Format     storage.CertificateFormat
	Raw        []byte // PEM or PKCS#12 bytes
	PrivateKey []byte // optional PEM private key (PEM format only)
	Passphrase string // PKCS#12 passphrase
}

// UploadCertificate parses a certificate payload, derives its metadata and
// stores the record. The fingerprint is SHA-256 over the DER encoding, so
// byte-identical certificates always produce the same fingerprint and the
// store rejects the duplicate.
func (s *Service) UploadCertificate(ctx context.Context, in *UploadCertificateInput) (*storage.Certificate, error) {
	var (
		cert   *x509.Certificate
		keyPEM []byte
		err    error
	)

	switch in.Format {
	case storage.FormatPEM:
		cert, err = parseCertificatePEM(in.Raw)
		if err != nil {
			return nil, err
		}
		if len(in.PrivateKey) > 0 {
			if _, err := ParsePrivateKeyPEM(in.PrivateKey); err != nil {
				return nil, &CertificateParseError{Reason: "invalid private key", Err: err}
			}
			keyPEM = in.PrivateKey
		}
	case storage.FormatP12:
		var key interface{}
		key, cert, err = decodeP12(in.Raw, in.Passphrase)
		if err != nil {
			return nil, err
		}
		if key != nil {
			keyPEM, err = marshalPrivateKeyPEM(key)
			if err != nil {
				return nil, &CertificateParseError{Reason: "encoding private key", Err: err}
			}
		}
	default:
		return nil, &CertificateParseError{Reason: fmt.Sprintf("unsupported format %q", in.Format)}
	}

	fingerprint := Fingerprint(cert)

	record := &storage.Certificate{
		ID:            uuid.New().String(),
		TenantID:      in.TenantID,
		PartnerID:     in.PartnerID,
		Format:        in.Format,
		SerialNumber:  cert.SerialNumber.String(),
		Fingerprint:   fingerprint,
		Subject:       cert.Subject.String(),
		Issuer:        cert.Issuer.String(),
		NotBefore:     cert.NotBefore,
		NotAfter:      cert.NotAfter,
		CertPEM:       pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}),
		PrivateKeyPEM: keyPEM,
		KeyUsage:      keyUsageNames(cert.KeyUsage),
		ExtKeyUsage:   extKeyUsageNames(cert.ExtKeyUsage),
		SelfSigned:    cert.Subject.String() == cert.Issuer.String(),
		IsCA:          cert.IsCA,
		Active:        true,
	}

	if err := s.certs.CreateCertificate(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Info("certificate uploaded",
		"tenant", in.TenantID,
		"fingerprint", fingerprint,
		"subject", record.Subject,
		"hasKey", len(keyPEM) > 0)

	return record, nil
}

// GetCertificate returns a certificate record by ID
func (s *Service) GetCertificate(ctx context.Context, id string) (*storage.Certificate, error) {
	cert, err := s.certs.GetCertificate(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCertificateNotFound
	}
	return cert, err
}

// GetCertificateByFingerprint returns a certificate record by SHA-256 fingerprint
func (s *Service) GetCertificateByFingerprint(ctx context.Context, fingerprint string) (*storage.Certificate, error) {
	cert, err := s.certs.GetCertificateByFingerprint(ctx, fingerprint)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrCertificateNotFound
	}
	return cert, err
}

// ListCertificates returns the certificate records for a tenant, narrowed
// to one upload format when format is non-empty
func (s *Service) ListCertificates(ctx context.Context, tenantID string, format storage.CertificateFormat) ([]*storage.Certificate, error) {
	return s.certs.ListCertificates(ctx, &storage.CertificateFilter{TenantID: tenantID, Format: format})
}

// GetX509Certificate returns the parsed X.509 certificate
func (s *Service) GetX509Certificate(ctx context.Context, id string) (*x509.Certificate, error) {
	record, err := s.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	return parseCertificatePEM(record.CertPEM)
}

// GetPrivateKey returns the private key stored with a certificate
func (s *Service) GetPrivateKey(ctx context.Context, id string) (crypto.Signer, error) {
	record, err := s.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(record.PrivateKeyPEM) == 0 {
		return nil, ErrPrivateKeyNotFound
	}
	return ParsePrivateKeyPEM(record.PrivateKeyPEM)
}

// DeleteCertificate removes a certificate record
func (s *Service) DeleteCertificate(ctx context.Context, id string) error {
	err := s.certs.DeleteCertificate(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrCertificateNotFound
	}
	return err
}

// SetCertificateActive activates or deactivates a certificate. Deactivation
// is the supported way to retire a certificate; partner profiles keep their
// references and fail validation instead of dangling.
func (s *Service) SetCertificateActive(ctx context.Context, id string, active bool) error {
	record, err := s.GetCertificate(ctx, id)
	if err != nil {
		return err
	}
	record.Active = active
	return s.certs.UpdateCertificate(ctx, record)
}

// IsValid reports whether a certificate is active and within its validity window
func (s *Service) IsValid(cert *storage.Certificate) bool {
	now := time.Now()
	return cert.Active && !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)
}

// CertificatesExpiringWithin returns active certificates whose validity ends
// within the given number of days
func (s *Service) CertificatesExpiringWithin(ctx context.Context, tenantID string, days int) ([]*storage.Certificate, error) {
	active := true
	certs, err := s.certs.ListCertificates(ctx, &storage.CertificateFilter{TenantID: tenantID, Active: &active})
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().AddDate(0, 0, days)
	var expiring []*storage.Certificate
	for _, cert := range certs {
		if cert.NotAfter.Before(cutoff) {
			expiring = append(expiring, cert)
		}
	}
	return expiring, nil
}

// Fingerprint computes the SHA-256 fingerprint of a certificate's DER encoding
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func parseCertificatePEM(raw []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, &CertificateParseError{Reason: "no PEM block found"}
	}
	if block.Type != "CERTIFICATE" {
		return nil, &CertificateParseError{Reason: fmt.Sprintf("unexpected PEM block %q", block.Type)}
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, &CertificateParseError{Reason: "parsing certificate", Err: err}
	}
	return cert, nil
}

func decodeP12(raw []byte, passphrase string) (interface{}, *x509.Certificate, error) {
	key, cert, _, err := pkcs12.DecodeChain(raw, passphrase)
	if err != nil {
		return nil, nil, &CertificateParseError{Reason: "decoding PKCS#12", Err: err}
	}
	return key, cert, nil
}

// ParsePrivateKeyPEM parses a PKCS#1, PKCS#8 or SEC1 private key
func ParsePrivateKeyPEM(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key is not a signer")
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

func marshalPrivateKeyPEM(key interface{}) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func keyUsageNames(usage x509.KeyUsage) []string {
	var names []string
	flags := []struct {
		bit  x509.KeyUsage
		name string
	}{
		{x509.KeyUsageDigitalSignature, "digitalSignature"},
		{x509.KeyUsageContentCommitment, "contentCommitment"},
		{x509.KeyUsageKeyEncipherment, "keyEncipherment"},
		{x509.KeyUsageDataEncipherment, "dataEncipherment"},
		{x509.KeyUsageKeyAgreement, "keyAgreement"},
		{x509.KeyUsageCertSign, "certSign"},
		{x509.KeyUsageCRLSign, "crlSign"},
	}
	for _, f := range flags {
		if usage&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return names
}

func extKeyUsageNames(usages []x509.ExtKeyUsage) []string {
	var names []string
	for _, u := range usages {
		switch u {
		case x509.ExtKeyUsageServerAuth:
			names = append(names, "serverAuth")
		case x509.ExtKeyUsageClientAuth:
			names = append(names, "clientAuth")
		case x509.ExtKeyUsageCodeSigning:
			names = append(names, "codeSigning")
		case x509.ExtKeyUsageEmailProtection:
			names = append(names, "emailProtection")
		default:
			names = append(names, fmt.Sprintf("unknown(%d)", u))
		}
	}
	return names
}

// SSH key management

// GenerateSSHKeyPair generates a new key pair and stores it. Supported key
// types are "rsa" (default 4096 bits), "ed25519" and "ecdsa" (default P-256).
// The fingerprint is computed over the decoded public key blob, matching
// `ssh-keygen -lf`.
func (s *Service) GenerateSSHKeyPair(ctx context.Context, tenantID, name, keyType string, bits int) (*storage.SSHKeyPair, error) {
	var (
		signer crypto.Signer
		err    error
	)

	switch strings.ToLower(keyType) {
	case "rsa", "":
		if bits == 0 {
			bits = 4096
		}
		signer, err = rsa.GenerateKey(rand.Reader, bits)
	case "ed25519":
		_, signer, err = ed25519.GenerateKey(rand.Reader)
		bits = 256
	case "ecdsa":
		curve := elliptic.P256()
		switch bits {
		case 0, 256:
			bits = 256
		case 384:
			curve = elliptic.P384()
		case 521:
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported ecdsa key size %d", bits)
		}
		signer, err = ecdsa.GenerateKey(curve, rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("deriving ssh public key: %w", err)
	}

	keyPEM, err := marshalPrivateKeyPEM(signer)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}

	pair := &storage.SSHKeyPair{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		Name:          name,
		KeyType:       strings.ToLower(keyType),
		KeySize:       bits,
		PublicKey:     strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))),
		Fingerprint:   ssh.FingerprintSHA256(sshPub),
		PrivateKeyPEM: keyPEM,
		Active:        true,
	}
	if pair.KeyType == "" {
		pair.KeyType = "rsa"
	}

	if err := s.sshKeys.CreateSSHKeyPair(ctx, pair); err != nil {
		return nil, err
	}

	s.logger.Info("ssh key pair generated",
		"tenant", tenantID,
		"name", name,
		"type", pair.KeyType,
		"fingerprint", pair.Fingerprint)

	return pair, nil
}

// ImportSSHKeyPair stores an externally generated key pair. The public key
// must be in OpenSSH authorized_keys format; the private key is optional.
func (s *Service) ImportSSHKeyPair(ctx context.Context, tenantID, name, publicKey string, privateKeyPEM []byte) (*storage.SSHKeyPair, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	if len(privateKeyPEM) > 0 {
		if _, err := ssh.ParsePrivateKey(privateKeyPEM); err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
	}

	pair := &storage.SSHKeyPair{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		Name:          name,
		KeyType:       keyTypeName(pub.Type()),
		PublicKey:     strings.TrimSpace(publicKey),
		Fingerprint:   ssh.FingerprintSHA256(pub),
		PrivateKeyPEM: privateKeyPEM,
		Active:        true,
	}

	if err := s.sshKeys.CreateSSHKeyPair(ctx, pair); err != nil {
		return nil, err
	}
	return pair, nil
}

// GetSSHKeyPair returns an SSH key pair record by ID
func (s *Service) GetSSHKeyPair(ctx context.Context, id string) (*storage.SSHKeyPair, error) {
	pair, err := s.sshKeys.GetSSHKeyPair(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrKeyPairNotFound
	}
	return pair, err
}

// ListSSHKeyPairs returns all SSH key pairs for a tenant
func (s *Service) ListSSHKeyPairs(ctx context.Context, tenantID string) ([]*storage.SSHKeyPair, error) {
	return s.sshKeys.ListSSHKeyPairs(ctx, tenantID)
}

// DeleteSSHKeyPair removes an SSH key pair record
func (s *Service) DeleteSSHKeyPair(ctx context.Context, id string) error {
	err := s.sshKeys.DeleteSSHKeyPair(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrKeyPairNotFound
	}
	return err
}

// GetSSHPrivateKey returns the private key of a stored pair as an ssh.Signer
func (s *Service) GetSSHPrivateKey(ctx context.Context, id string) (ssh.Signer, error) {
	pair, err := s.GetSSHKeyPair(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(pair.PrivateKeyPEM) == 0 {
		return nil, ErrPrivateKeyNotFound
	}
	return ssh.ParsePrivateKey(pair.PrivateKeyPEM)
}

func keyTypeName(sshType string) string {
	switch sshType {
	case ssh.KeyAlgoRSA:
		return "rsa"
	case ssh.KeyAlgoED25519:
		return "ed25519"
	case ssh.KeyAlgoECDSA256, ssh.KeyAlgoECDSA384, ssh.KeyAlgoECDSA521:
		return "ecdsa"
	default:
		return sshType
	}
}
