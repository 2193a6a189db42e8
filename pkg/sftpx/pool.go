// Package sftpx implements pooled SFTP file transfer for trading partners.
//
// Connections are pooled per partner up to a configurable cap. A background
// sweep closes connections past their maximum age or idle for more than
// half of it; when the pool is full the least-recently-used connection is
// evicted. Remote operations retry transient failures with exponential
// backoff.
//
// Acquiring a connection is liveness-check-then-reuse and is not atomic
// against concurrent callers for the same partner; delivery is serialized
// per job, so a partner sees at most one operation in flight per protocol.
package sftpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Errors surfaced by SFTP operations
var (
	ErrPartnerNotFound      = errors.New("partner not found")
	ErrPartnerInactive      = errors.New("partner inactive")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRemoteIO             = errors.New("remote i/o error")
	ErrDestinationExists    = errors.New("destination already exists")
)

// KeyResolver fetches SSH private keys by reference. Implemented by the
// keystore service.
type KeyResolver interface {
	GetSSHPrivateKey(ctx context.Context, id string) (ssh.Signer, error)
}

// RetryPolicy controls the per-operation retry loop
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultRetryPolicy is used when a partner config has none
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:   3,
	BaseDelay:     time.Second,
	BackoffFactor: 2.0,
	MaxDelay:      30 * time.Second,
}

// ConnectionConfig is the SFTP configuration for one partner
type ConnectionConfig struct {
	PartnerID             string
	Host                  string
	Port                  int
	Username              string
	AuthMethod            string // password, key, or both
	Password              string
	PrivateKeyID          string
	Passphrase            string
	HostKeyFingerprint    string // SHA256:... pin; empty means no pinning
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
	Retry                 RetryPolicy
	InboundDir            string
	InboundPattern        string
	ProcessedDir          string
	ErrorDir              string
	OutboundDir           string
	TempDir               string // staging dir for atomic uploads; empty disables staging
	Active                bool
}

// PoolConfig holds pool-level settings
type PoolConfig struct {
	MaxConnections int
	MaxAge         time.Duration
	SweepInterval  time.Duration
	Logger         *slog.Logger
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxConnections: 10,
		MaxAge:         10 * time.Minute,
		SweepInterval:  time.Minute,
	}
}

type pooledConn struct {
	client    *sftp.Client
	transport *ssh.Client
	createdAt time.Time
	lastUsed  time.Time
}

func (c *pooledConn) close() {
	c.client.Close()
	c.transport.Close()
}

// Pool maintains per-partner SFTP connections
type Pool struct {
	keys   KeyResolver
	logger *slog.Logger

	maxConns int
	maxAge   time.Duration

	mu      sync.Mutex
	configs map[string]*ConnectionConfig
	conns   map[string]*pooledConn

	done     chan struct{}
	sweepWG  sync.WaitGroup
	stopOnce sync.Once
}

// NewPool creates a connection pool
func NewPool(keys KeyResolver, cfg *PoolConfig) *Pool {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}

	p := &Pool{
		keys:     keys,
		logger:   logger,
		maxConns: maxConns,
		maxAge:   maxAge,
		configs:  make(map[string]*ConnectionConfig),
		conns:    make(map[string]*pooledConn),
		done:     make(chan struct{}),
	}

	p.sweepWG.Add(1)
	go p.sweepLoop(sweep)

	return p
}

// RegisterPartner adds or replaces a partner configuration. Upsert keyed by
// partner ID; an existing pooled connection is closed so the next operation
// dials with the new settings.
func (p *Pool) RegisterPartner(cfg *ConnectionConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.configs[cfg.PartnerID] = cfg
	if conn, ok := p.conns[cfg.PartnerID]; ok {
		conn.close()
		delete(p.conns, cfg.PartnerID)
	}
}

// RemovePartner drops a partner configuration and its pooled connection
func (p *Pool) RemovePartner(partnerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[partnerID]; ok {
		conn.close()
		delete(p.conns, partnerID)
	}
	delete(p.configs, partnerID)
}

// Close stops the sweep and releases all pooled connections
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.sweepWG.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, conn := range p.conns {
		conn.close()
		delete(p.conns, id)
	}
}

func (p *Pool) config(partnerID string) (*ConnectionConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, ok := p.configs[partnerID]
	if !ok {
		return nil, ErrPartnerNotFound
	}
	if !cfg.Active {
		return nil, ErrPartnerInactive
	}
	return cfg, nil
}

// getConnection returns a live connection for the partner, reusing a pooled
// one that passes a liveness probe or dialing fresh
func (p *Pool) getConnection(ctx context.Context, cfg *ConnectionConfig) (*sftp.Client, error) {
	p.mu.Lock()
	conn, ok := p.conns[cfg.PartnerID]
	p.mu.Unlock()

	if ok {
		if _, err := conn.client.Getwd(); err == nil {
			p.mu.Lock()
			conn.lastUsed = time.Now()
			p.mu.Unlock()
			return conn.client, nil
		}
		// Probe failed; drop the dead connection
		p.mu.Lock()
		if p.conns[cfg.PartnerID] == conn {
			delete(p.conns, cfg.PartnerID)
		}
		p.mu.Unlock()
		conn.close()
	}

	client, transport, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	fresh := &pooledConn{client: client, transport: transport, createdAt: now, lastUsed: now}

	p.mu.Lock()
	if len(p.conns) >= p.maxConns {
		p.evictLRULocked()
	}
	p.conns[cfg.PartnerID] = fresh
	p.mu.Unlock()

	return client, nil
}

func (p *Pool) evictLRULocked() {
	var oldestID string
	var oldest time.Time
	for id, conn := range p.conns {
		if oldestID == "" || conn.lastUsed.Before(oldest) {
			oldestID = id
			oldest = conn.lastUsed
		}
	}
	if oldestID != "" {
		p.conns[oldestID].close()
		delete(p.conns, oldestID)
		p.logger.Debug("evicted lru sftp connection", "partner", oldestID)
	}
}

func (p *Pool) dial(ctx context.Context, cfg *ConnectionConfig) (*sftp.Client, *ssh.Client, error) {
	auth, err := p.authMethods(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: p.hostKeyCallback(cfg),
		Timeout:         timeout,
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))

	transport, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		if isAuthFailure(err) {
			return nil, nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		return nil, nil, fmt.Errorf("%w: dialing %s: %v", ErrRemoteIO, addr, err)
	}

	client, err := sftp.NewClient(transport)
	if err != nil {
		transport.Close()
		return nil, nil, fmt.Errorf("%w: starting sftp subsystem: %v", ErrRemoteIO, err)
	}

	p.logger.Debug("sftp connection established", "partner", cfg.PartnerID, "addr", addr)
	return client, transport, nil
}

func (p *Pool) authMethods(ctx context.Context, cfg *ConnectionConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	switch cfg.AuthMethod {
	case "password":
		methods = append(methods, ssh.Password(cfg.Password))
	case "key":
		signer, err := p.keys.GetSSHPrivateKey(ctx, cfg.PrivateKeyID)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving private key: %v", ErrAuthenticationFailed, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	case "both":
		signer, err := p.keys.GetSSHPrivateKey(ctx, cfg.PrivateKeyID)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving private key: %v", ErrAuthenticationFailed, err)
		}
		methods = append(methods, ssh.PublicKeys(signer), ssh.Password(cfg.Password))
	default:
		return nil, fmt.Errorf("%w: unsupported auth method %q", ErrAuthenticationFailed, cfg.AuthMethod)
	}
	return methods, nil
}

func (p *Pool) hostKeyCallback(cfg *ConnectionConfig) ssh.HostKeyCallback {
	if cfg.InsecureIgnoreHostKey || cfg.HostKeyFingerprint == "" {
		if !cfg.InsecureIgnoreHostKey {
			p.logger.Warn("no host key pin configured, accepting any host key", "partner", cfg.PartnerID)
		}
		return ssh.InsecureIgnoreHostKey()
	}

	expected := cfg.HostKeyFingerprint
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		actual := ssh.FingerprintSHA256(key)
		if actual != expected {
			return fmt.Errorf("host key mismatch for %s: got %s, pinned %s", hostname, actual, expected)
		}
		return nil
	}
}

func (p *Pool) sweepLoop(interval time.Duration) {
	defer p.sweepWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

// sweep closes connections past their maximum age or idle for more than
// half of it
func (p *Pool) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idleLimit := p.maxAge / 2
	for id, conn := range p.conns {
		if now.Sub(conn.createdAt) > p.maxAge || now.Sub(conn.lastUsed) > idleLimit {
			conn.close()
			delete(p.conns, id)
			p.logger.Debug("swept stale sftp connection", "partner", id)
		}
	}
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}
