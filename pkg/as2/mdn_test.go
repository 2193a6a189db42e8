package as2

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeMIC(t *testing.T) {
	mic := ComputeMIC([]byte("payload"))
	assert.NotEmpty(t, mic)
	assert.Equal(t, mic, ComputeMIC([]byte("payload")))
	assert.NotEqual(t, mic, ComputeMIC([]byte("other payload")))
}

func TestParseDisposition(t *testing.T) {
	d, err := ParseDisposition("automatic-action/MDN-sent-automatically; processed")
	require.NoError(t, err)
	assert.Equal(t, "automatic-action/MDN-sent-automatically", d.Mode)
	assert.Equal(t, "processed", d.Type)
	assert.False(t, d.IsFailure())

	d, err = ParseDisposition("automatic-action/MDN-sent-automatically; failed/error: decryption failed")
	require.NoError(t, err)
	assert.Equal(t, "failed", d.Type)
	assert.Equal(t, "error", d.Modifier)
	assert.Equal(t, "decryption failed", d.StatusText)
	assert.True(t, d.IsFailure())

	_, err = ParseDisposition("no separator here")
	assert.Error(t, err)
}

func TestDisposition_RoundTrip(t *testing.T) {
	original := Disposition{
		Mode:       DispositionMode,
		Type:       "processed",
		Modifier:   "warning",
		StatusText: "duplicate message",
	}
	parsed, err := ParseDisposition(original.String())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestBuildMDN_ParseMDN(t *testing.T) {
	mic := ComputeMIC([]byte("original content"))
	built, err := BuildMDN(&MDNInput{
		OriginalMessageID: "<abc@tradelink-as2>",
		Recipient:         "RECEIVER",
		Disposition:       Disposition{Mode: DispositionMode, Type: "processed"},
		Text:              "The message was received and processed successfully.",
		MIC:               mic,
	})
	require.NoError(t, err)
	assert.False(t, built.Signed)
	assert.Contains(t, built.ContentType, "multipart/report")
	assert.Contains(t, built.ContentType, "report-type=disposition-notification")

	parsed, err := ParseMDN(built.ContentType, built.Raw)
	require.NoError(t, err)
	assert.Equal(t, "<abc@tradelink-as2>", parsed.OriginalMessageID)
	assert.Equal(t, "RECEIVER", parsed.Recipient)
	assert.Equal(t, "processed", parsed.Disposition.Type)
	assert.False(t, parsed.Disposition.IsFailure())
	assert.Equal(t, mic, parsed.MIC)
	assert.Equal(t, MICAlgorithm, parsed.MICAlgorithm)
	assert.Contains(t, parsed.Text, "processed successfully")
}

func TestBuildMDN_Signed(t *testing.T) {
	cert, key := testCertificate(t, "mdn-signer")

	built, err := BuildMDN(&MDNInput{
		OriginalMessageID: "<sig@tradelink-as2>",
		Recipient:         "RECEIVER",
		Disposition:       Disposition{Mode: DispositionMode, Type: "processed"},
		Text:              "ok",
		MIC:               ComputeMIC([]byte("content")),
		SigningCert:       cert,
		SigningKey:        key,
	})
	require.NoError(t, err)
	assert.True(t, built.Signed)
	assert.Contains(t, built.ContentType, "signed-data")

	parsed, err := ParseMDN(built.ContentType, built.Raw)
	require.NoError(t, err)
	assert.True(t, parsed.Signed)
	assert.Equal(t, "<sig@tradelink-as2>", parsed.OriginalMessageID)
	assert.Equal(t, "processed", parsed.Disposition.Type)
}

func TestBuildMDN_Failure(t *testing.T) {
	built, err := BuildMDN(&MDNInput{
		OriginalMessageID: "<bad@tradelink-as2>",
		Recipient:         "RECEIVER",
		Disposition: Disposition{
			Mode:       DispositionMode,
			Type:       "failed",
			Modifier:   "error",
			StatusText: "decryption failed",
		},
		Text: "The message could not be processed.",
	})
	require.NoError(t, err)

	parsed, err := ParseMDN(built.ContentType, built.Raw)
	require.NoError(t, err)
	assert.True(t, parsed.Disposition.IsFailure())
	assert.Equal(t, "decryption failed", parsed.Disposition.StatusText)
	assert.Empty(t, parsed.MIC)
}

func TestParseMDN_Invalid(t *testing.T) {
	_, err := ParseMDN("text/plain", []byte("just text"))
	assert.Error(t, err)

	_, err = ParseMDN("multipart/report; boundary=x", []byte("--x\r\n\r\nno report part\r\n--x--\r\n"))
	assert.Error(t, err)
	if err != nil {
		assert.True(t, strings.Contains(err.Error(), "disposition") || strings.Contains(err.Error(), "part"))
	}
}
