package as2

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/google/uuid"

	"github.com/opsinghis/tradelink/pkg/smime"
)

// ReportingUA identifies this implementation in MDN reports
const ReportingUA = "tradelink-as2"

// MICAlgorithm is the only MIC algorithm this engine produces
const MICAlgorithm = "sha256"

// DispositionMode is the fixed action/sending mode for automatic MDNs
const DispositionMode = "automatic-action/MDN-sent-automatically"

// Disposition is the parsed Disposition field of an MDN
type Disposition struct {
	Mode       string // e.g. "automatic-action/MDN-sent-automatically"
	Type       string // "processed" or "failed"
	Modifier   string // "error" or "warning", optional
	StatusText string // human detail for failures
}

// String renders the disposition in MDN wire form
func (d Disposition) String() string {
	s := d.Mode + "; " + d.Type
	if d.Modifier != "" {
		s += "/" + d.Modifier
		if d.StatusText != "" {
			s += ": " + d.StatusText
		}
	}
	return s
}

// IsFailure reports whether the disposition indicates rejection
func (d Disposition) IsFailure() bool {
	return d.Type == "failed" || d.Modifier == "error"
}

// ParseDisposition parses the wire form of a Disposition field
func ParseDisposition(value string) (Disposition, error) {
	var d Disposition

	mode, rest, found := strings.Cut(value, ";")
	if !found {
		return d, fmt.Errorf("malformed disposition %q", value)
	}
	d.Mode = strings.TrimSpace(mode)

	rest = strings.TrimSpace(rest)
	typePart, modifierPart, hasModifier := strings.Cut(rest, "/")
	d.Type = strings.ToLower(strings.TrimSpace(typePart))
	if hasModifier {
		modifier, text, hasText := strings.Cut(modifierPart, ":")
		d.Modifier = strings.ToLower(strings.TrimSpace(modifier))
		if hasText {
			d.StatusText = strings.TrimSpace(text)
		}
	}
	return d, nil
}

// MDN is a Message Disposition Notification receipt
type MDN struct {
	MessageID         string
	OriginalMessageID string
	Disposition       Disposition
	Recipient         string
	MIC               string // base64
	MICAlgorithm      string
	Text              string // human-readable part
	Signed            bool
	ContentType       string
	Raw               []byte
}

// ComputeMIC returns the base64 SHA-256 MIC over the given bytes
func ComputeMIC(content []byte) string {
	sum := sha256.Sum256(content)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// MDNInput holds the parameters for building an MDN
type MDNInput struct {
	OriginalMessageID string
	Recipient         string // the AS2 identity acknowledging receipt
	Disposition       Disposition
	Text              string
	MIC               string // empty when no MIC was computed

	// Optional signing material; the MDN is wrapped in CMS SignedData
	// when both are present
	SigningCert *x509.Certificate
	SigningKey  crypto.Signer
}

// BuildMDN constructs a multipart/report MDN body, optionally signed
func BuildMDN(in *MDNInput) (*MDN, error) {
	mdn := &MDN{
		MessageID:         fmt.Sprintf("<%s@%s>", uuid.New().String(), ReportingUA),
		OriginalMessageID: in.OriginalMessageID,
		Disposition:       in.Disposition,
		Recipient:         in.Recipient,
		MIC:               in.MIC,
		MICAlgorithm:      MICAlgorithm,
		Text:              in.Text,
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=UTF-8")
	textPart, err := writer.CreatePart(textHeader)
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := io.WriteString(textPart, in.Text+"\r\n"); err != nil {
		return nil, fmt.Errorf("writing text part: %w", err)
	}

	reportHeader := textproto.MIMEHeader{}
	reportHeader.Set("Content-Type", "message/disposition-notification")
	reportPart, err := writer.CreatePart(reportHeader)
	if err != nil {
		return nil, fmt.Errorf("creating report part: %w", err)
	}

	var fields bytes.Buffer
	fmt.Fprintf(&fields, "Reporting-UA: %s\r\n", ReportingUA)
	fmt.Fprintf(&fields, "Original-Recipient: rfc822; %s\r\n", in.Recipient)
	fmt.Fprintf(&fields, "Final-Recipient: rfc822; %s\r\n", in.Recipient)
	fmt.Fprintf(&fields, "Original-Message-ID: %s\r\n", in.OriginalMessageID)
	fmt.Fprintf(&fields, "Disposition: %s\r\n", in.Disposition.String())
	if in.MIC != "" {
		fmt.Fprintf(&fields, "Received-Content-MIC: %s, %s\r\n", in.MIC, MICAlgorithm)
	}
	if _, err := reportPart.Write(fields.Bytes()); err != nil {
		return nil, fmt.Errorf("writing report part: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	reportContentType := fmt.Sprintf("multipart/report; report-type=disposition-notification; boundary=%q", writer.Boundary())
	mdn.ContentType = reportContentType
	mdn.Raw = buf.Bytes()

	if in.SigningCert != nil && in.SigningKey != nil {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", reportContentType)
		signed, err := smime.Sign(serializeEntity(header, buf.Bytes()), in.SigningCert, in.SigningKey, smime.DigestSHA256)
		if err != nil {
			return nil, fmt.Errorf("signing mdn: %w", err)
		}
		mdn.Signed = true
		mdn.ContentType = `application/pkcs7-mime; smime-type=signed-data; name="smime.p7m"`
		mdn.Raw = signed
	}

	return mdn, nil
}

// ParseMDN parses an MDN body. Signed MDNs (application/pkcs7-mime
// signed-data or multipart/signed) are unwrapped first; a bad signature on
// a signed MDN is tolerated, the disposition still parses.
func ParseMDN(contentType string, body []byte) (*MDN, error) {
	mdn := &MDN{}

	if smimeType(contentType) == "signed-data" {
		result, err := smime.Verify(body, nil)
		if err != nil {
			return nil, fmt.Errorf("unwrapping signed mdn: %w", err)
		}
		mdn.Signed = true
		header, inner, err := splitEntity(result.Content)
		if err != nil {
			return nil, fmt.Errorf("parsing signed mdn content: %w", err)
		}
		contentType = header.Get("Content-Type")
		body = inner
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parsing mdn content type: %w", err)
	}

	if mediaType == "multipart/signed" {
		mdn.Signed = true
		mediaType, params, body, err = firstPart(params["boundary"], body)
		if err != nil {
			return nil, err
		}
	}

	if mediaType != "multipart/report" {
		return nil, fmt.Errorf("unexpected mdn content type %q", mediaType)
	}

	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading mdn part: %w", err)
		}

		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("reading mdn part body: %w", err)
		}

		switch partType {
		case "text/plain":
			mdn.Text = strings.TrimSpace(string(data))
		case "message/disposition-notification":
			if err := parseDispositionFields(mdn, data); err != nil {
				return nil, err
			}
		}
	}

	if mdn.Disposition.Type == "" {
		return nil, fmt.Errorf("mdn has no disposition-notification part")
	}

	mdn.ContentType = contentType
	mdn.Raw = body
	return mdn, nil
}

func firstPart(boundary string, body []byte) (string, map[string]string, []byte, error) {
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	part, err := reader.NextPart()
	if err != nil {
		return "", nil, nil, fmt.Errorf("reading signed mdn part: %w", err)
	}
	data, err := io.ReadAll(part)
	if err != nil {
		return "", nil, nil, fmt.Errorf("reading signed mdn part body: %w", err)
	}
	mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
	if err != nil {
		return "", nil, nil, fmt.Errorf("parsing signed mdn part type: %w", err)
	}
	return mediaType, params, data, nil
}

func parseDispositionFields(mdn *MDN, data []byte) error {
	header, _, err := splitEntity(append(data, "\r\n\r\n"...))
	if err != nil {
		return fmt.Errorf("parsing disposition fields: %w", err)
	}

	mdn.OriginalMessageID = header.Get("Original-Message-Id")
	mdn.Recipient = stripAddressType(header.Get("Final-Recipient"))

	disposition, err := ParseDisposition(header.Get("Disposition"))
	if err != nil {
		return err
	}
	mdn.Disposition = disposition

	if mic := header.Get("Received-Content-Mic"); mic != "" {
		value, algorithm, found := strings.Cut(mic, ",")
		mdn.MIC = strings.TrimSpace(value)
		if found {
			mdn.MICAlgorithm = strings.TrimSpace(algorithm)
		}
	}
	return nil
}

func stripAddressType(recipient string) string {
	if _, value, found := strings.Cut(recipient, ";"); found {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(recipient)
}
