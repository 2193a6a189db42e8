// Package smime wraps CMS (PKCS#7) signed-data and enveloped-data handling
// for AS2 payloads.
//
// Signatures are attached SignedData structures so the receiving side can
// recover the content and the signer certificate from the envelope alone.
// Encryption produces EnvelopedData for a single recipient certificate.
package smime

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"strings"

	"go.mozilla.org/pkcs7"
)

// The pkcs7 library selects the content-encryption cipher through a
// package global. Set it once here; every envelope this package produces
// uses AES-256-GCM.
func init() {
	pkcs7.ContentEncryptionAlgorithm = pkcs7.EncryptionAlgorithmAES256GCM
}

// Digest algorithm names accepted by Sign
const (
	DigestSHA1   = "sha1"
	DigestSHA256 = "sha256"
	DigestSHA384 = "sha384"
	DigestSHA512 = "sha512"
)

func digestOID(algorithm string) (asn1.ObjectIdentifier, error) {
	switch strings.ToLower(algorithm) {
	case DigestSHA1:
		return pkcs7.OIDDigestAlgorithmSHA1, nil
	case DigestSHA256, "":
		return pkcs7.OIDDigestAlgorithmSHA256, nil
	case DigestSHA384:
		return pkcs7.OIDDigestAlgorithmSHA384, nil
	case DigestSHA512:
		return pkcs7.OIDDigestAlgorithmSHA512, nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
}

// Sign produces an attached CMS SignedData structure over the content.
// The digest algorithm defaults to SHA-256 when empty.
func Sign(content []byte, cert *x509.Certificate, key crypto.Signer, algorithm string) ([]byte, error) {
	oid, err := digestOID(algorithm)
	if err != nil {
		return nil, err
	}

	signed, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("creating signed data: %w", err)
	}
	signed.SetDigestAlgorithm(oid)

	if err := signed.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("adding signer: %w", err)
	}

	der, err := signed.Finish()
	if err != nil {
		return nil, fmt.Errorf("finishing signed data: %w", err)
	}
	return der, nil
}

// VerifyResult carries the outcome of signature verification. Content is
// populated whenever the envelope parses, regardless of whether the
// signature checks out, so callers can apply a soft verification policy.
type VerifyResult struct {
	Content    []byte
	Verified   bool
	SignerCert *x509.Certificate
	Err        error
}

// Verify parses a SignedData structure and checks its signature. When
// expected is non-nil the embedded signer certificate must also match it.
// A bad signature is reported through the result, not as an error; an
// error return means the envelope itself is unreadable.
func Verify(signed []byte, expected *x509.Certificate) (*VerifyResult, error) {
	p7, err := pkcs7.Parse(signed)
	if err != nil {
		return nil, fmt.Errorf("parsing signed data: %w", err)
	}

	result := &VerifyResult{
		Content:    p7.Content,
		SignerCert: p7.GetOnlySigner(),
	}

	if err := p7.Verify(); err != nil {
		result.Err = err
		return result, nil
	}

	if expected != nil {
		signer := p7.GetOnlySigner()
		if signer == nil || !bytes.Equal(signer.Raw, expected.Raw) {
			result.Err = fmt.Errorf("signer certificate does not match expected certificate")
			return result, nil
		}
	}

	result.Verified = true
	return result, nil
}

// Encrypt produces a CMS EnvelopedData structure for the recipient certificate
func Encrypt(content []byte, recipient *x509.Certificate) ([]byte, error) {
	der, err := pkcs7.Encrypt(content, []*x509.Certificate{recipient})
	if err != nil {
		return nil, fmt.Errorf("encrypting content: %w", err)
	}
	return der, nil
}

// Decrypt opens a CMS EnvelopedData structure with the recipient's key
func Decrypt(enveloped []byte, cert *x509.Certificate, key crypto.Signer) ([]byte, error) {
	p7, err := pkcs7.Parse(enveloped)
	if err != nil {
		return nil, fmt.Errorf("parsing enveloped data: %w", err)
	}

	content, err := p7.Decrypt(cert, key)
	if err != nil {
		return nil, fmt.Errorf("decrypting content: %w", err)
	}
	return content, nil
}
