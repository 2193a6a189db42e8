package as2

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsinghis/tradelink/pkg/compression"
	"github.com/opsinghis/tradelink/pkg/smime"
)

// KeyStore resolves certificate references to cryptographic material.
// Implemented by the keystore service; the engine never holds key bytes.
type KeyStore interface {
	GetX509Certificate(ctx context.Context, id string) (*x509.Certificate, error)
	GetPrivateKey(ctx context.Context, id string) (crypto.Signer, error)
}

// Config holds engine configuration
type Config struct {
	// DefaultTimeout applies when a partner profile has none
	DefaultTimeout time.Duration

	// UserAgent for outbound HTTP requests
	UserAgent string

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout: 30 * time.Second,
		UserAgent:      "tradelink-as2/1.0",
	}
}

// Engine builds, transmits and receives AS2 messages
type Engine struct {
	keys   KeyStore
	client *http.Client
	logger *slog.Logger

	defaultTimeout time.Duration
	userAgent      string
	compressor     *compression.Compressor

	mu            sync.RWMutex
	partners      map[string]*PartnerProfile // keyed by partner ID
	partnersByAS2 map[string]*PartnerProfile // keyed by AS2 identifier
	identities    map[string]*LocalIdentity  // keyed by AS2 identifier
	defaultFrom   string                     // AS2 ID of the default local identity
	handlers      []MessageHandler
}

// NewEngine creates an AS2 engine
func NewEngine(keys KeyStore, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "tradelink-as2/1.0"
	}

	return &Engine{
		keys:           keys,
		client:         &http.Client{},
		logger:         logger,
		defaultTimeout: timeout,
		userAgent:      userAgent,
		compressor:     compression.NewCompressor(),
		partners:       make(map[string]*PartnerProfile),
		partnersByAS2:  make(map[string]*PartnerProfile),
		identities:     make(map[string]*LocalIdentity),
	}
}

// RegisterPartner adds or replaces a partner profile. Registration is an
// upsert keyed by partner ID; last write wins.
func (e *Engine) RegisterPartner(profile *PartnerProfile) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.partners[profile.PartnerID]; ok && old.AS2ID != profile.AS2ID {
		delete(e.partnersByAS2, old.AS2ID)
	}
	e.partners[profile.PartnerID] = profile
	e.partnersByAS2[profile.AS2ID] = profile
}

// RemovePartner drops a partner profile
func (e *Engine) RemovePartner(partnerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if profile, ok := e.partners[partnerID]; ok {
		delete(e.partnersByAS2, profile.AS2ID)
		delete(e.partners, partnerID)
	}
}

// RegisterIdentity adds or replaces a local AS2 identity. The first
// registered identity becomes the default sender.
func (e *Engine) RegisterIdentity(identity *LocalIdentity) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.identities[identity.AS2ID] = identity
	if e.defaultFrom == "" {
		e.defaultFrom = identity.AS2ID
	}
}

// OnMessageReceived registers an inbound message handler
func (e *Engine) OnMessageReceived(handler MessageHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

func (e *Engine) partner(partnerID string) (*PartnerProfile, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	profile, ok := e.partners[partnerID]
	if !ok {
		return nil, ErrPartnerNotFound
	}
	if !profile.Active {
		return nil, ErrPartnerInactive
	}
	return profile, nil
}

func (e *Engine) identityFor(profile *PartnerProfile) (*LocalIdentity, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	as2ID := profile.LocalAS2ID
	if as2ID == "" {
		as2ID = e.defaultFrom
	}
	identity, ok := e.identities[as2ID]
	if !ok {
		return nil, fmt.Errorf("no local identity registered for %q", as2ID)
	}
	return identity, nil
}

func enabled(override *bool, profileDefault bool) bool {
	if override != nil {
		return *override
	}
	return profileDefault
}

func newMessageID() string {
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), ReportingUA)
}

// Send runs the outbound pipeline and transmits the message to the partner.
// The returned result always reflects the outcome; Send does not return an
// error for protocol failures.
func (e *Engine) Send(ctx context.Context, partnerID string, payload []byte, contentType string, opts *SendOptions) *SendResult {
	if opts == nil {
		opts = &SendOptions{}
	}

	result := &SendResult{MessageID: opts.MessageID}
	if result.MessageID == "" {
		result.MessageID = newMessageID()
	}
	result.MIC = ComputeMIC(payload)

	profile, err := e.partner(partnerID)
	if err != nil {
		return sendFailure(result, err)
	}

	identity, err := e.identityFor(profile)
	if err != nil {
		return sendFailure(result, err)
	}

	// Already-compressed payloads (zip archives, media) gain nothing from
	// another deflate pass
	result.Compressed = enabled(opts.Compress, profile.Compress) && compression.ShouldCompress(contentType)
	result.Signed = enabled(opts.Sign, profile.Sign)
	result.Encrypted = enabled(opts.Encrypt, profile.Encrypt)
	wantMDN := enabled(opts.RequestMDN, profile.MDNMode != "")

	// Innermost entity: the business document itself
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType)
	if opts.Filename != "" {
		header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", opts.Filename))
	}
	body := payload
	currentType := contentType

	if result.Compressed {
		compressed, err := e.compressor.Compress(serializeEntity(header, body))
		if err != nil {
			return sendFailure(result, fmt.Errorf("compressing payload: %w", err))
		}
		body = compressed
		currentType = `application/pkcs7-mime; smime-type=compressed-data; name="smime.p7z"`
		header = pkcs7Header(currentType, "smime.p7z")
	}

	if result.Signed {
		cert, key, err := e.signingMaterial(ctx, identity)
		if err != nil {
			return sendFailure(result, err)
		}
		signed, err := smime.Sign(serializeEntity(header, body), cert, key, profile.SignatureAlgorithm)
		if err != nil {
			return sendFailure(result, fmt.Errorf("signing payload: %w", err))
		}
		body = signed
		currentType = `application/pkcs7-mime; smime-type=signed-data; name="smime.p7m"`
		header = pkcs7Header(currentType, "smime.p7m")
	}

	if result.Encrypted {
		if profile.EncryptionCertID == "" {
			return sendFailure(result, fmt.Errorf("%w: partner has no encryption certificate", ErrCertificateNotFound))
		}
		cert, err := e.keys.GetX509Certificate(ctx, profile.EncryptionCertID)
		if err != nil {
			return sendFailure(result, fmt.Errorf("%w: %v", ErrCertificateNotFound, err))
		}
		encrypted, err := smime.Encrypt(serializeEntity(header, body), cert)
		if err != nil {
			return sendFailure(result, fmt.Errorf("encrypting payload: %w", err))
		}
		body = encrypted
		currentType = `application/pkcs7-mime; smime-type=enveloped-data; name="smime.p7m"`
	}

	timeout := profile.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := e.buildRequest(reqCtx, profile, identity, result.MessageID, opts.Subject, currentType, body, wantMDN)
	if err != nil {
		return sendFailure(result, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return sendFailure(result, fmt.Errorf("transport error: %w", err))
	}
	defer resp.Body.Close()

	result.HTTPStatus = resp.StatusCode
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return sendFailure(result, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return sendFailure(result, fmt.Errorf("transport error: unexpected status %d", resp.StatusCode))
	}

	if wantMDN && profile.MDNMode != MDNAsync {
		mdn, err := ParseMDN(resp.Header.Get("Content-Type"), respBody)
		if err != nil {
			return sendFailure(result, fmt.Errorf("parsing sync mdn: %w", err))
		}
		result.MDN = mdn

		if mdn.OriginalMessageID != "" && mdn.OriginalMessageID != result.MessageID {
			return sendFailure(result, fmt.Errorf("mdn references %s, expected %s", mdn.OriginalMessageID, result.MessageID))
		}
		if mdn.Disposition.IsFailure() {
			return sendFailure(result, fmt.Errorf("%w: %s", ErrMDNIndicatesFailure, mdn.Disposition.String()))
		}
	}

	e.logger.Info("as2 message sent",
		"partner", partnerID,
		"messageId", result.MessageID,
		"signed", result.Signed,
		"encrypted", result.Encrypted,
		"compressed", result.Compressed,
		"status", resp.StatusCode)

	result.Success = true
	return result
}

func sendFailure(result *SendResult, err error) *SendResult {
	result.Success = false
	result.Err = err
	result.Error = err.Error()
	return result
}

func pkcs7Header(contentType, name string) textproto.MIMEHeader {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Transfer-Encoding", "binary")
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	return header
}

func (e *Engine) signingMaterial(ctx context.Context, identity *LocalIdentity) (*x509.Certificate, crypto.Signer, error) {
	if identity.CertificateID == "" {
		return nil, nil, fmt.Errorf("%w: identity %s has no certificate", ErrCertificateNotFound, identity.AS2ID)
	}
	cert, err := e.keys.GetX509Certificate(ctx, identity.CertificateID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCertificateNotFound, err)
	}
	key, err := e.keys.GetPrivateKey(ctx, identity.CertificateID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPrivateKeyNotFound, err)
	}
	return cert, key, nil
}

func (e *Engine) buildRequest(ctx context.Context, profile *PartnerProfile, identity *LocalIdentity, messageID, subject, contentType string, body []byte, wantMDN bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, profile.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("MIME-Version", "1.0")
	req.Header.Set(HeaderAS2Version, AS2Version)
	req.Header.Set(HeaderAS2From, identity.AS2ID)
	req.Header.Set(HeaderAS2To, profile.AS2ID)
	req.Header.Set(HeaderMessageID, messageID)
	if subject != "" {
		req.Header.Set(HeaderSubject, subject)
	}

	if wantMDN {
		req.Header.Set(HeaderDispositionNotifyTo, identity.AS2ID)
		if profile.RequireSignedMDN {
			req.Header.Set(HeaderDispositionOptions,
				"signed-receipt-protocol=required, pkcs7-signature; signed-receipt-micalg=required, sha-256")
		}
		if profile.MDNMode == MDNAsync && profile.MDNCallbackURL != "" {
			req.Header.Set(HeaderReceiptDelivery, profile.MDNCallbackURL)
		}
	}

	for k, v := range profile.Headers {
		req.Header.Set(k, v)
	}

	switch strings.ToLower(profile.AuthType) {
	case "basic":
		req.SetBasicAuth(profile.AuthUser, profile.AuthPassword)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+profile.AuthToken)
	}

	return req, nil
}

// Receive processes an inbound AS2 request. The raw headers come from the
// HTTP layer; body is the request body. The result carries the decoded
// payload, pipeline flags and, when the sender asked for a synchronous
// receipt, the MDN to write back.
func (e *Engine) Receive(ctx context.Context, rawHeaders map[string]string, rawBody []byte) *ReceiveResult {
	headers := normalizeHeaders(rawHeaders)
	result := &ReceiveResult{
		AS2From:   headers.Get(HeaderAS2From),
		AS2To:     headers.Get(HeaderAS2To),
		MessageID: headers.Get(HeaderMessageID),
		Subject:   headers.Get(HeaderSubject),
	}

	var missing []string
	for _, h := range []string{HeaderAS2From, HeaderAS2To, HeaderMessageID} {
		if headers.Get(h) == "" {
			missing = append(missing, strings.ToLower(h))
		}
	}
	if len(missing) > 0 {
		return receiveFailure(result, &MissingHeadersError{Headers: missing})
	}

	e.mu.RLock()
	identity := e.identities[result.AS2To]
	partner := e.partnersByAS2[result.AS2From]
	e.mu.RUnlock()

	if identity == nil {
		// Without a local profile there is no MDN signing identity either,
		// so no MDN is attempted.
		return receiveFailure(result, fmt.Errorf("%w: %s", ErrUnknownRecipient, result.AS2To))
	}
	if partner == nil {
		e.logger.Warn("as2 message from unregistered partner, proceeding unverified",
			"as2From", result.AS2From, "messageId", result.MessageID)
	}

	wantMDN := headers.Get(HeaderDispositionNotifyTo) != ""
	asyncMDNURL := headers.Get(HeaderReceiptDelivery)

	payload, procErr := e.decodePipeline(ctx, identity, partner, headers.Get("Content-Type"), headers.Get("Content-Disposition"), rawBody, result)
	if procErr == nil {
		result.Payload = payload
		result.MIC = ComputeMIC(payload)
		result.Success = true
		e.notifyHandlers(result)
	} else {
		result.Err = procErr
		result.Error = procErr.Error()
	}

	if wantMDN {
		mdn, err := e.buildReceiptMDN(ctx, identity, result, procErr)
		if err != nil {
			e.logger.Error("building mdn failed", "messageId", result.MessageID, "error", err)
		} else if asyncMDNURL != "" {
			// Async receipt must not block the inbound response
			go e.deliverAsyncMDN(asyncMDNURL, mdn)
		} else {
			result.MDN = mdn
		}
	}

	if result.Success {
		e.logger.Info("as2 message received",
			"from", result.AS2From,
			"to", result.AS2To,
			"messageId", result.MessageID,
			"signed", result.Signed,
			"verified", result.SignatureVerified,
			"encrypted", result.Encrypted,
			"compressed", result.Compressed)
	}
	return result
}

func receiveFailure(result *ReceiveResult, err error) *ReceiveResult {
	result.Success = false
	result.Err = err
	result.Error = err.Error()
	return result
}

// decodePipeline runs the inverse pipeline strictly in envelope order:
// decrypt, verify, decompress. The effective content type is re-read from
// the inner MIME part after every stage.
func (e *Engine) decodePipeline(ctx context.Context, identity *LocalIdentity, partner *PartnerProfile, contentType, disposition string, body []byte, result *ReceiveResult) ([]byte, error) {
	result.Filename = filenameFromDisposition(disposition)

	if smimeType(contentType) == "enveloped-data" {
		result.Encrypted = true
		cert, key, err := e.signingMaterial(ctx, identity)
		if err != nil {
			return nil, fmt.Errorf("resolving decryption key: %w", err)
		}
		decrypted, err := smime.Decrypt(body, cert, key)
		if err != nil {
			return nil, fmt.Errorf("decrypting message: %w", err)
		}
		result.Decrypted = true
		header, inner, err := splitEntity(decrypted)
		if err != nil {
			return nil, fmt.Errorf("parsing decrypted entity: %w", err)
		}
		contentType = header.Get("Content-Type")
		body = inner
		if fn := filenameFromDisposition(header.Get("Content-Disposition")); fn != "" {
			result.Filename = fn
		}
	}

	if smimeType(contentType) == "signed-data" {
		result.Signed = true
		var expected *x509.Certificate
		if partner != nil && partner.SigningCertID != "" {
			cert, err := e.keys.GetX509Certificate(ctx, partner.SigningCertID)
			if err != nil {
				e.logger.Warn("partner signing certificate unavailable",
					"as2From", result.AS2From, "error", err)
			} else {
				expected = cert
			}
		}

		verify, err := smime.Verify(body, expected)
		if err != nil {
			return nil, fmt.Errorf("unwrapping signed message: %w", err)
		}
		result.SignatureVerified = verify.Verified
		if !verify.Verified {
			e.logger.Warn("as2 signature verification failed",
				"messageId", result.MessageID, "error", verify.Err)
		}

		header, inner, err := splitEntity(verify.Content)
		if err != nil {
			return nil, fmt.Errorf("parsing signed entity: %w", err)
		}
		contentType = header.Get("Content-Type")
		body = inner
		if fn := filenameFromDisposition(header.Get("Content-Disposition")); fn != "" {
			result.Filename = fn
		}
	}

	if smimeType(contentType) == "compressed-data" {
		result.Compressed = true
		decompressed, err := e.compressor.Decompress(body)
		if err != nil {
			return nil, fmt.Errorf("decompressing message: %w", err)
		}
		result.Decompressed = true
		header, inner, err := splitEntity(decompressed)
		if err != nil {
			return nil, fmt.Errorf("parsing decompressed entity: %w", err)
		}
		contentType = header.Get("Content-Type")
		body = inner
		if fn := filenameFromDisposition(header.Get("Content-Disposition")); fn != "" {
			result.Filename = fn
		}
	}

	result.ContentType = contentType
	return body, nil
}

func (e *Engine) notifyHandlers(result *ReceiveResult) {
	e.mu.RLock()
	handlers := make([]MessageHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for i, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("inbound handler panicked",
						"handler", i, "messageId", result.MessageID, "panic", r)
				}
			}()
			if err := handler(result); err != nil {
				e.logger.Error("inbound handler failed",
					"handler", i, "messageId", result.MessageID, "error", err)
			}
		}()
	}
}

func (e *Engine) buildReceiptMDN(ctx context.Context, identity *LocalIdentity, result *ReceiveResult, procErr error) (*MDN, error) {
	in := &MDNInput{
		OriginalMessageID: result.MessageID,
		Recipient:         identity.AS2ID,
	}

	if procErr == nil {
		in.Disposition = Disposition{Mode: DispositionMode, Type: "processed"}
		in.Text = fmt.Sprintf("The message %s was received and processed successfully.", result.MessageID)
		in.MIC = result.MIC
	} else {
		in.Disposition = Disposition{
			Mode:       DispositionMode,
			Type:       "failed",
			Modifier:   "error",
			StatusText: procErr.Error(),
		}
		in.Text = fmt.Sprintf("The message %s could not be processed: %v", result.MessageID, procErr)
	}

	// Signed when the local identity has signing material
	if identity.CertificateID != "" {
		cert, key, err := e.signingMaterial(ctx, identity)
		if err == nil {
			in.SigningCert = cert
			in.SigningKey = key
		} else if !errors.Is(err, ErrPrivateKeyNotFound) {
			e.logger.Warn("mdn signing material unavailable", "error", err)
		}
	}

	return BuildMDN(in)
}

func (e *Engine) deliverAsyncMDN(url string, mdn *MDN) {
	ctx, cancel := context.WithTimeout(context.Background(), e.defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(mdn.Raw))
	if err != nil {
		e.logger.Error("async mdn request failed", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", mdn.ContentType)
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Error("async mdn delivery failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Error("async mdn rejected", "url", url, "status", resp.StatusCode)
	}
}

// TestConnection probes the partner endpoint with a HEAD request
func (e *Engine) TestConnection(ctx context.Context, partnerID string) error {
	profile, err := e.partner(partnerID)
	if err != nil {
		return err
	}

	timeout := profile.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, profile.URL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport error: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}
