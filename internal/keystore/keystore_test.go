package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsinghis/tradelink/internal/storage"
	"github.com/opsinghis/tradelink/internal/storage/memory"
)

func testService() *Service {
	store := memory.NewStore()
	return NewService(store, store, nil)
}

func testCertPEM(t *testing.T, cn string, notAfter time.Time) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestUploadCertificate_PEM(t *testing.T) {
	svc := testService()
	ctx := context.Background()
	certPEM, keyPEM := testCertPEM(t, "acme-signing", time.Now().Add(365*24*time.Hour))

	cert, err := svc.UploadCertificate(ctx, &UploadCertificateInput{
		TenantID:   "t1",
		PartnerID:  "acme",
		Format:     storage.FormatPEM,
		Raw:        certPEM,
		PrivateKey: keyPEM,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.ID)
	assert.Len(t, cert.Fingerprint, 64) // hex SHA-256
	assert.Contains(t, cert.Subject, "acme-signing")
	assert.True(t, cert.Active)

	// Material is usable for signing and decryption
	x509Cert, err := svc.GetX509Certificate(ctx, cert.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme-signing", x509Cert.Subject.CommonName)

	signer, err := svc.GetPrivateKey(ctx, cert.ID)
	require.NoError(t, err)
	assert.NotNil(t, signer.Public())

	// Same certificate twice is a duplicate
	_, err = svc.UploadCertificate(ctx, &UploadCertificateInput{
		TenantID: "t1",
		Format:   storage.FormatPEM,
		Raw:      certPEM,
	})
	assert.Error(t, err)
}

func TestUploadCertificate_InvalidPEM(t *testing.T) {
	svc := testService()

	_, err := svc.UploadCertificate(context.Background(), &UploadCertificateInput{
		TenantID: "t1",
		Format:   storage.FormatPEM,
		Raw:      []byte("this is not PEM"),
	})
	require.Error(t, err)
	var parseErr *CertificateParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestGetPrivateKey_Missing(t *testing.T) {
	svc := testService()
	ctx := context.Background()
	certPEM, _ := testCertPEM(t, "no-key", time.Now().Add(24*time.Hour))

	cert, err := svc.UploadCertificate(ctx, &UploadCertificateInput{
		TenantID: "t1",
		Format:   storage.FormatPEM,
		Raw:      certPEM,
	})
	require.NoError(t, err)

	_, err = svc.GetPrivateKey(ctx, cert.ID)
	assert.ErrorIs(t, err, ErrPrivateKeyNotFound)
}

func TestGetCertificate_NotFound(t *testing.T) {
	svc := testService()

	_, err := svc.GetCertificate(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCertificateNotFound)
}

func TestListCertificates_FormatFilter(t *testing.T) {
	svc := testService()
	ctx := context.Background()
	certPEM, _ := testCertPEM(t, "acme-signing", time.Now().Add(365*24*time.Hour))

	_, err := svc.UploadCertificate(ctx, &UploadCertificateInput{
		TenantID: "t1",
		Format:   storage.FormatPEM,
		Raw:      certPEM,
	})
	require.NoError(t, err)

	all, err := svc.ListCertificates(ctx, "t1", "")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	pems, err := svc.ListCertificates(ctx, "t1", storage.FormatPEM)
	require.NoError(t, err)
	assert.Len(t, pems, 1)

	p12s, err := svc.ListCertificates(ctx, "t1", storage.FormatP12)
	require.NoError(t, err)
	assert.Empty(t, p12s)
}

func TestFingerprint_Deterministic(t *testing.T) {
	certPEM, _ := testCertPEM(t, "fp", time.Now().Add(24*time.Hour))
	block, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Equal(t, Fingerprint(cert), Fingerprint(cert))
	assert.Len(t, Fingerprint(cert), 64)
}

func TestCertificatesExpiringWithin(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	soonPEM, _ := testCertPEM(t, "expiring-soon", time.Now().Add(5*24*time.Hour))
	latePEM, _ := testCertPEM(t, "expiring-later", time.Now().Add(200*24*time.Hour))

	_, err := svc.UploadCertificate(ctx, &UploadCertificateInput{TenantID: "t1", Format: storage.FormatPEM, Raw: soonPEM})
	require.NoError(t, err)
	_, err = svc.UploadCertificate(ctx, &UploadCertificateInput{TenantID: "t1", Format: storage.FormatPEM, Raw: latePEM})
	require.NoError(t, err)

	expiring, err := svc.CertificatesExpiringWithin(ctx, "t1", 30)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Contains(t, expiring[0].Subject, "expiring-soon")
}

func TestSetCertificateActive(t *testing.T) {
	svc := testService()
	ctx := context.Background()
	certPEM, _ := testCertPEM(t, "toggle", time.Now().Add(24*time.Hour))

	cert, err := svc.UploadCertificate(ctx, &UploadCertificateInput{TenantID: "t1", Format: storage.FormatPEM, Raw: certPEM})
	require.NoError(t, err)
	assert.True(t, svc.IsValid(cert))

	require.NoError(t, svc.SetCertificateActive(ctx, cert.ID, false))
	got, err := svc.GetCertificate(ctx, cert.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.False(t, svc.IsValid(got))
}

func TestGenerateSSHKeyPair(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	for _, keyType := range []string{"rsa", "ed25519", "ecdsa"} {
		pair, err := svc.GenerateSSHKeyPair(ctx, "t1", "transfer-"+keyType, keyType, 0)
		require.NoError(t, err, keyType)
		assert.NotEmpty(t, pair.ID)
		assert.NotEmpty(t, pair.PublicKey)
		assert.True(t, strings.HasPrefix(pair.Fingerprint, "SHA256:"), keyType)

		// The generated pair must load as a usable SSH signer
		signer, err := svc.GetSSHPrivateKey(ctx, pair.ID)
		require.NoError(t, err, keyType)
		assert.NotNil(t, signer.PublicKey())
	}
}

func TestGenerateSSHKeyPair_UnknownType(t *testing.T) {
	svc := testService()

	_, err := svc.GenerateSSHKeyPair(context.Background(), "t1", "bad", "dsa", 0)
	assert.Error(t, err)
}

func TestImportSSHKeyPair(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	source, err := svc.GenerateSSHKeyPair(ctx, "t1", "source", "ed25519", 0)
	require.NoError(t, err)

	imported, err := svc.ImportSSHKeyPair(ctx, "t1", "imported", source.PublicKey, nil)
	require.NoError(t, err)
	assert.Equal(t, source.Fingerprint, imported.Fingerprint)

	_, err = svc.ImportSSHKeyPair(ctx, "t1", "bad", "not an authorized key line", nil)
	assert.Error(t, err)
}

func TestListSSHKeyPairs_NoPrivateKey(t *testing.T) {
	svc := testService()
	ctx := context.Background()

	_, err := svc.GenerateSSHKeyPair(ctx, "t1", "k1", "ed25519", 0)
	require.NoError(t, err)

	pairs, err := svc.ListSSHKeyPairs(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Nil(t, pairs[0].PrivateKeyPEM)
}
