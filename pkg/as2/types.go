// Package as2 implements the AS2 (RFC 4130) message exchange protocol:
// outbound transmission with optional compression, signing and encryption,
// inbound processing of the inverse pipeline, and MDN receipt generation
// and validation.
//
// # Error Handling
//
// The engine never panics or returns bare errors past its boundary for
// protocol-level failures. [Engine.Send] and [Engine.Receive] always return
// a result struct; Success is false and Error carries the detail when a
// pipeline stage fails.
//
// # Signature Policy
//
// Inbound signature verification follows a soft policy: a failed
// verification sets SignatureVerified to false on the result and is logged,
// but processing continues and the MDN still reports the message as
// processed. The consuming business layer decides whether to act on an
// unverified payload.
package as2

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AS2Version is the protocol version advertised in outbound messages
const AS2Version = "1.2"

// Standard AS2 header names
const (
	HeaderAS2Version          = "AS2-Version"
	HeaderAS2From             = "AS2-From"
	HeaderAS2To               = "AS2-To"
	HeaderMessageID           = "Message-ID"
	HeaderSubject             = "Subject"
	HeaderDispositionNotifyTo = "Disposition-Notification-To"
	HeaderDispositionOptions  = "Disposition-Notification-Options"
	HeaderReceiptDelivery     = "Receipt-Delivery-Option"
)

// MDNMode selects how the partner should deliver receipts
type MDNMode string

const (
	MDNSync  MDNMode = "sync"
	MDNAsync MDNMode = "async"
)

// Protocol-level errors surfaced through result structs
var (
	ErrPartnerNotFound     = errors.New("partner not found")
	ErrPartnerInactive     = errors.New("partner inactive")
	ErrUnknownRecipient    = errors.New("unknown recipient")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrPrivateKeyNotFound  = errors.New("private key not found")
	ErrMDNIndicatesFailure = errors.New("partner MDN reports failure")
)

// MissingHeadersError lists required AS2 headers absent from a request
type MissingHeadersError struct {
	Headers []string
}

func (e *MissingHeadersError) Error() string {
	return fmt.Sprintf("missing required headers: %s", strings.Join(e.Headers, ", "))
}

// PartnerProfile is the AS2 configuration for one trading partner.
// SigningCertID references the partner's certificate used to verify their
// inbound signatures; EncryptionCertID references the partner's certificate
// used to encrypt outbound content for them.
type PartnerProfile struct {
	PartnerID          string
	AS2ID              string
	URL                string
	LocalAS2ID         string // sending identity; engine default when empty
	SigningCertID      string
	EncryptionCertID   string
	SignatureAlgorithm string // sha1, sha256 (default), sha384, sha512
	MDNMode            MDNMode
	MDNCallbackURL     string
	RequireSignedMDN   bool
	Sign               bool
	Encrypt            bool
	Compress           bool
	Headers            map[string]string
	AuthType           string // none, basic, bearer
	AuthUser           string
	AuthPassword       string
	AuthToken          string
	Timeout            time.Duration
	Active             bool
}

// LocalIdentity is an AS2 identity this engine receives and sends as.
// CertificateID references the certificate + private key used to sign
// outbound messages and decrypt inbound ones.
type LocalIdentity struct {
	AS2ID         string
	CertificateID string
}

// SendOptions overrides partner profile defaults for a single send.
// Nil pointer fields fall back to the profile.
type SendOptions struct {
	MessageID  string
	Subject    string
	Filename   string
	Sign       *bool
	Encrypt    *bool
	Compress   *bool
	RequestMDN *bool
}

// SendResult is the outcome of an outbound AS2 transmission
type SendResult struct {
	Success    bool
	MessageID  string
	MIC        string // base64 SHA-256 over the payload
	Signed     bool
	Encrypted  bool
	Compressed bool
	HTTPStatus int
	MDN        *MDN
	Error      string
	Err        error // sentinel for callers that branch on error kind
}

// ReceiveResult is the outcome of inbound AS2 processing
type ReceiveResult struct {
	Success           bool
	MessageID         string
	AS2From           string
	AS2To             string
	Subject           string
	ContentType       string
	Payload           []byte
	Filename          string
	Signed            bool
	SignatureVerified bool
	Encrypted         bool
	Decrypted         bool
	Compressed        bool
	Decompressed      bool
	MIC               string
	MDN               *MDN // inline MDN to return to the sender, nil when async or not requested
	Error             string
	Err               error
}

// MessageHandler is notified of every successfully processed inbound
// message. Handler errors are logged and isolated; they never affect other
// handlers or the MDN.
type MessageHandler func(result *ReceiveResult) error
