package as2

import (
	"bufio"
	"bytes"
	"fmt"
	"mime"
	"net/textproto"
	"sort"
	"strings"
)

// serializeEntity renders a MIME entity as headers, a blank line, and the body.
// Pipeline stages operate on serialized entities so each layer carries its
// own declared content type.
func serializeEntity(header textproto.MIMEHeader, body []byte) []byte {
	var buf bytes.Buffer

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range header[k] {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// splitEntity parses a serialized MIME entity back into headers and body
func splitEntity(data []byte) (textproto.MIMEHeader, []byte, error) {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))
	header, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, nil, fmt.Errorf("reading entity headers: %w", err)
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(reader.R); err != nil {
		return nil, nil, fmt.Errorf("reading entity body: %w", err)
	}
	return header, body.Bytes(), nil
}

// smimeType extracts the smime-type parameter from a pkcs7-mime content type,
// or "" when the content type is something else
func smimeType(contentType string) string {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if mediaType != "application/pkcs7-mime" {
		return ""
	}
	return params["smime-type"]
}

// filenameFromDisposition extracts the filename parameter from a
// Content-Disposition header value
func filenameFromDisposition(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// normalizeHeaders folds arbitrary header casing into canonical MIME form
func normalizeHeaders(headers map[string]string) textproto.MIMEHeader {
	normalized := make(textproto.MIMEHeader, len(headers))
	for k, v := range headers {
		normalized.Set(textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(k)), strings.TrimSpace(v))
	}
	return normalized
}
