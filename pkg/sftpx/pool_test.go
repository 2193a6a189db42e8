package sftpx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobToRegexp(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		match   bool
	}{
		{"*.edi", "invoice.edi", true},
		{"*.edi", "invoice.edi.bak", false},
		{"*.edi", "edi", false},
		{"order?.xml", "order1.xml", true},
		{"order?.xml", "order12.xml", false},
		{"*", "anything.at.all", true},
		{"report.2024*.csv", "report.20240115.csv", true},
		{"file.txt", "file.txt", true},
		{"file.txt", "fileAtxt", false}, // dot must not act as a wildcard
	}

	for _, tt := range tests {
		re, err := globToRegexp(tt.pattern)
		require.NoError(t, err, tt.pattern)
		assert.Equal(t, tt.match, re.MatchString(tt.name), "%s vs %s", tt.pattern, tt.name)
	}
}

func TestPool_RegisterPartner(t *testing.T) {
	pool := NewPool(nil, nil)
	defer pool.Close()

	pool.RegisterPartner(&ConnectionConfig{
		PartnerID: "p1",
		Host:      "sftp.example.com",
		Username:  "user",
		Active:    true,
	})

	cfg, err := pool.config("p1")
	require.NoError(t, err)
	assert.Equal(t, "sftp.example.com", cfg.Host)

	// Upsert replaces the previous config
	pool.RegisterPartner(&ConnectionConfig{
		PartnerID: "p1",
		Host:      "sftp2.example.com",
		Username:  "user",
		Active:    true,
	})
	cfg, err = pool.config("p1")
	require.NoError(t, err)
	assert.Equal(t, "sftp2.example.com", cfg.Host)
}

func TestPool_UnknownPartner(t *testing.T) {
	pool := NewPool(nil, nil)
	defer pool.Close()

	_, err := pool.config("missing")
	assert.ErrorIs(t, err, ErrPartnerNotFound)

	err = pool.Upload(context.Background(), "missing", "/out/file.txt", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrPartnerNotFound)
}

func TestPool_InactivePartner(t *testing.T) {
	pool := NewPool(nil, nil)
	defer pool.Close()

	pool.RegisterPartner(&ConnectionConfig{
		PartnerID: "p1",
		Host:      "sftp.example.com",
		Username:  "user",
		Active:    false,
	})

	_, err := pool.Download(context.Background(), "p1", "/in/file.txt")
	assert.ErrorIs(t, err, ErrPartnerInactive)
}

func TestPool_RemovePartner(t *testing.T) {
	pool := NewPool(nil, nil)
	defer pool.Close()

	pool.RegisterPartner(&ConnectionConfig{
		PartnerID: "p1",
		Host:      "sftp.example.com",
		Username:  "user",
		Active:    true,
	})
	pool.RemovePartner("p1")

	_, err := pool.config("p1")
	assert.ErrorIs(t, err, ErrPartnerNotFound)
}

func TestPool_TestConnection_Unreachable(t *testing.T) {
	pool := NewPool(nil, nil)
	defer pool.Close()

	pool.RegisterPartner(&ConnectionConfig{
		PartnerID:             "p1",
		Host:                  "127.0.0.1",
		Port:                  1, // nothing listens here
		Username:              "user",
		AuthMethod:            "password",
		Password:              "secret",
		InsecureIgnoreHostKey: true,
		Timeout:               2 * time.Second,
		Active:                true,
	})

	err := pool.TestConnection(context.Background(), "p1")
	assert.Error(t, err)
}

func TestDefaultRetryPolicy(t *testing.T) {
	assert.Equal(t, 3, DefaultRetryPolicy.MaxAttempts)
	assert.Equal(t, time.Second, DefaultRetryPolicy.BaseDelay)
	assert.Equal(t, 2.0, DefaultRetryPolicy.BackoffFactor)
	assert.Equal(t, 30*time.Second, DefaultRetryPolicy.MaxDelay)
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.Equal(t, 10, cfg.MaxConnections)
	assert.Equal(t, 10*time.Minute, cfg.MaxAge)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}
