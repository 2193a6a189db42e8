// Package storage provides data storage interfaces and implementations
// for the trading-partner document exchange core.
//
// # Interface Design
//
// The storage layer is organized into focused interfaces:
//
//   - [CertificateStore]: X.509 certificate records and private key references
//   - [SSHKeyPairStore]: SSH key pairs for SFTP authentication
//   - [PartnerStore]: Trading partner profiles (AS2 + SFTP)
//   - [DeliveryJobStore]: Outbound delivery queue jobs
//   - [TransportLogStore]: Append-only transport audit trail
//
// The [Store] interface combines all sub-stores for convenience.
//
// # Implementations
//
// The memory sub-package provides an in-process implementation backing tests
// and single-node deployments. The mongodb sub-package persists the durable
// entities (partners, certificates, keys, logs); delivery jobs are queue
// state and stay process-local.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use from multiple
// goroutines.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Store is the main storage interface combining all sub-stores
type Store interface {
	CertificateStore
	SSHKeyPairStore
	PartnerStore
	DeliveryJobStore
	TransportLogStore

	// Close releases storage resources
	Close(ctx context.Context) error

	// Ping checks backend connectivity
	Ping(ctx context.Context) error
}

// Protocol identifies a transport protocol
type Protocol string

const (
	ProtocolAS2  Protocol = "as2"
	ProtocolSFTP Protocol = "sftp"
)

// Direction of a transport operation
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// CertificateFormat is the upload format of a certificate
type CertificateFormat string

const (
	FormatPEM CertificateFormat = "pem"
	FormatP12 CertificateFormat = "p12"
)

// Certificate is a stored X.509 certificate with derived metadata.
// PrivateKeyPEM is only populated when the uploader supplied a key; it is
// never included in list results and must never be logged.
type Certificate struct {
	ID            string            `bson:"_id" json:"id"`
	TenantID      string            `bson:"tenant_id" json:"tenantId"`
	PartnerID     string            `bson:"partner_id,omitempty" json:"partnerId,omitempty"`
	Format        CertificateFormat `bson:"format" json:"format"`
	SerialNumber  string            `bson:"serial_number" json:"serialNumber"`
	Fingerprint   string            `bson:"fingerprint" json:"fingerprint"`
	Subject       string            `bson:"subject" json:"subject"`
	Issuer        string            `bson:"issuer" json:"issuer"`
	NotBefore     time.Time         `bson:"not_before" json:"notBefore"`
	NotAfter      time.Time         `bson:"not_after" json:"notAfter"`
	CertPEM       []byte            `bson:"cert_pem" json:"-"`
	PrivateKeyPEM []byte            `bson:"private_key_pem,omitempty" json:"-"`
	KeyUsage      []string          `bson:"key_usage,omitempty" json:"keyUsage,omitempty"`
	ExtKeyUsage   []string          `bson:"ext_key_usage,omitempty" json:"extKeyUsage,omitempty"`
	SelfSigned    bool              `bson:"self_signed" json:"selfSigned"`
	IsCA          bool              `bson:"is_ca" json:"isCA"`
	Active        bool              `bson:"active" json:"active"`
	CreatedAt     time.Time         `bson:"created_at" json:"createdAt"`
	UpdatedAt     time.Time         `bson:"updated_at" json:"updatedAt"`
}

// SSHKeyPair is a stored SSH key pair. The fingerprint is SHA-256 over the
// decoded public key blob, matching OpenSSH fingerprinting.
type SSHKeyPair struct {
	ID            string    `bson:"_id" json:"id"`
	TenantID      string    `bson:"tenant_id" json:"tenantId"`
	Name          string    `bson:"name" json:"name"`
	KeyType       string    `bson:"key_type" json:"keyType"`
	KeySize       int       `bson:"key_size,omitempty" json:"keySize,omitempty"`
	PublicKey     string    `bson:"public_key" json:"publicKey"`
	Fingerprint   string    `bson:"fingerprint" json:"fingerprint"`
	PrivateKeyPEM []byte    `bson:"private_key_pem,omitempty" json:"-"`
	Active        bool      `bson:"active" json:"active"`
	CreatedAt     time.Time `bson:"created_at" json:"createdAt"`
}

// TradingPartner is an external counterparty with transport configuration
// for one or more protocols. (TenantID, Code) is unique.
type TradingPartner struct {
	ID        string       `bson:"_id" json:"id"`
	TenantID  string       `bson:"tenant_id" json:"tenantId"`
	Code      string       `bson:"code" json:"code"`
	Name      string       `bson:"name" json:"name"`
	Protocols []Protocol   `bson:"protocols" json:"protocols"`
	AS2       *AS2Profile  `bson:"as2,omitempty" json:"as2,omitempty"`
	SFTP      *SFTPProfile `bson:"sftp,omitempty" json:"sftp,omitempty"`
	Active    bool         `bson:"active" json:"active"`
	CreatedAt time.Time    `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time    `bson:"updated_at" json:"updatedAt"`
}

// HasProtocol reports whether the partner has the protocol enabled
func (p *TradingPartner) HasProtocol(proto Protocol) bool {
	for _, pp := range p.Protocols {
		if pp == proto {
			return true
		}
	}
	return false
}

// MDNMode selects synchronous or asynchronous MDN delivery
type MDNMode string

const (
	MDNSync  MDNMode = "sync"
	MDNAsync MDNMode = "async"
)

// AS2Profile holds a partner's AS2 transport configuration
type AS2Profile struct {
	AS2ID              string            `bson:"as2_id" json:"as2Id"`
	URL                string            `bson:"url" json:"url"`
	SigningCertID      string            `bson:"signing_cert_id,omitempty" json:"signingCertId,omitempty"`
	EncryptionCertID   string            `bson:"encryption_cert_id,omitempty" json:"encryptionCertId,omitempty"`
	SignatureAlgorithm string            `bson:"signature_algorithm,omitempty" json:"signatureAlgorithm,omitempty"`
	MDNMode            MDNMode           `bson:"mdn_mode,omitempty" json:"mdnMode,omitempty"`
	MDNCallbackURL     string            `bson:"mdn_callback_url,omitempty" json:"mdnCallbackUrl,omitempty"`
	RequireSignedMDN   bool              `bson:"require_signed_mdn" json:"requireSignedMdn"`
	Sign               bool              `bson:"sign" json:"sign"`
	Encrypt            bool              `bson:"encrypt" json:"encrypt"`
	Compress           bool              `bson:"compress" json:"compress"`
	Headers            map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
	AuthType           string            `bson:"auth_type,omitempty" json:"authType,omitempty"`
	AuthUser           string            `bson:"auth_user,omitempty" json:"authUser,omitempty"`
	AuthPassword       string            `bson:"auth_password,omitempty" json:"-"`
	AuthToken          string            `bson:"auth_token,omitempty" json:"-"`
	Timeout            time.Duration     `bson:"timeout,omitempty" json:"timeout,omitempty"`
}

// RetryPolicy controls per-operation retry for SFTP transfers
type RetryPolicy struct {
	MaxAttempts   int           `bson:"max_attempts" json:"maxAttempts"`
	BaseDelay     time.Duration `bson:"base_delay" json:"baseDelay"`
	BackoffFactor float64       `bson:"backoff_factor" json:"backoffFactor"`
	MaxDelay      time.Duration `bson:"max_delay" json:"maxDelay"`
}

// SFTPProfile holds a partner's SFTP connection configuration
type SFTPProfile struct {
	Host                  string        `bson:"host" json:"host"`
	Port                  int           `bson:"port" json:"port"`
	Username              string        `bson:"username" json:"username"`
	AuthMethod            string        `bson:"auth_method" json:"authMethod"` // password, key, or both
	Password              string        `bson:"password,omitempty" json:"-"`
	PrivateKeyID          string        `bson:"private_key_id,omitempty" json:"privateKeyId,omitempty"`
	Passphrase            string        `bson:"passphrase,omitempty" json:"-"`
	HostKeyFingerprint    string        `bson:"host_key_fingerprint,omitempty" json:"hostKeyFingerprint,omitempty"`
	InsecureIgnoreHostKey bool          `bson:"insecure_ignore_host_key" json:"insecureIgnoreHostKey"`
	Timeout               time.Duration `bson:"timeout,omitempty" json:"timeout,omitempty"`
	Retry                 RetryPolicy   `bson:"retry,omitempty" json:"retry,omitempty"`
	InboundDir            string        `bson:"inbound_dir,omitempty" json:"inboundDir,omitempty"`
	InboundPattern        string        `bson:"inbound_pattern,omitempty" json:"inboundPattern,omitempty"`
	ProcessedDir          string        `bson:"processed_dir,omitempty" json:"processedDir,omitempty"`
	ErrorDir              string        `bson:"error_dir,omitempty" json:"errorDir,omitempty"`
	OutboundDir           string        `bson:"outbound_dir,omitempty" json:"outboundDir,omitempty"`
	FilenameTemplate      string        `bson:"filename_template,omitempty" json:"filenameTemplate,omitempty"`
	TempDir               string        `bson:"temp_dir,omitempty" json:"tempDir,omitempty"`
}

// JobStatus is the lifecycle state of a delivery job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobRetrying   JobStatus = "retrying"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// DeliveryJob is a queued outbound delivery
type DeliveryJob struct {
	ID            string    `bson:"_id" json:"id"`
	TenantID      string    `bson:"tenant_id" json:"tenantId"`
	PartnerID     string    `bson:"partner_id" json:"partnerId"`
	Protocol      Protocol  `bson:"protocol" json:"protocol"`
	MessageID     string    `bson:"message_id" json:"messageId"`
	CorrelationID string    `bson:"correlation_id,omitempty" json:"correlationId,omitempty"`
	Payload       []byte    `bson:"payload" json:"-"`
	ContentType   string    `bson:"content_type" json:"contentType"`
	Filename      string    `bson:"filename,omitempty" json:"filename,omitempty"`
	Priority      int       `bson:"priority" json:"priority"`
	Status        JobStatus `bson:"status" json:"status"`
	RetryCount    int       `bson:"retry_count" json:"retryCount"`
	MaxRetries    int       `bson:"max_retries" json:"maxRetries"`
	ScheduledAt   time.Time `bson:"scheduled_at" json:"scheduledAt"`
	LastError     string    `bson:"last_error,omitempty" json:"lastError,omitempty"`
	CreatedAt     time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updatedAt"`
}

// LogStatus is the state of a transport log entry
type LogStatus string

const (
	LogInProgress LogStatus = "in_progress"
	LogCompleted  LogStatus = "completed"
	LogFailed     LogStatus = "failed"
)

// TransportLogEntry records one transport attempt
type TransportLogEntry struct {
	ID            string     `bson:"_id" json:"id"`
	TenantID      string     `bson:"tenant_id" json:"tenantId"`
	PartnerID     string     `bson:"partner_id" json:"partnerId"`
	Protocol      Protocol   `bson:"protocol" json:"protocol"`
	Direction     Direction  `bson:"direction" json:"direction"`
	Status        LogStatus  `bson:"status" json:"status"`
	MessageID     string     `bson:"message_id,omitempty" json:"messageId,omitempty"`
	CorrelationID string     `bson:"correlation_id,omitempty" json:"correlationId,omitempty"`
	ContentSize   int64      `bson:"content_size" json:"contentSize"`
	RetryCount    int        `bson:"retry_count" json:"retryCount"`
	StartedAt     time.Time  `bson:"started_at" json:"startedAt"`
	CompletedAt   *time.Time `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
	DurationMs    int64      `bson:"duration_ms" json:"durationMs"`
	Error         string     `bson:"error,omitempty" json:"error,omitempty"`
}

// CertificateFilter filters certificate listings
type CertificateFilter struct {
	TenantID string
	Format   CertificateFormat
	Active   *bool
}

// PartnerFilter filters partner listings
type PartnerFilter struct {
	TenantID string
	Protocol Protocol
	Active   *bool
	Offset   int
	Limit    int
}

// JobFilter filters delivery job listings
type JobFilter struct {
	TenantID  string
	PartnerID string
	Status    JobStatus
	Protocol  Protocol
	SortBy    string // "priority", "scheduledAt", "createdAt" (default)
	Offset    int
	Limit     int
}

// LogFilter filters transport log queries. Results are newest first.
type LogFilter struct {
	TenantID      string
	PartnerID     string
	Protocol      Protocol
	Direction     Direction
	Status        LogStatus
	CorrelationID string
	Since         time.Time
	Until         time.Time
	Offset        int
	Limit         int
}

// CertificateStore manages certificate records
type CertificateStore interface {
	// CreateCertificate stores a certificate. Returns ErrDuplicate when a
	// certificate with the same fingerprint already exists.
	CreateCertificate(ctx context.Context, cert *Certificate) error

	// GetCertificate retrieves a certificate by ID
	GetCertificate(ctx context.Context, id string) (*Certificate, error)

	// GetCertificateByFingerprint retrieves a certificate by SHA-256 fingerprint
	GetCertificateByFingerprint(ctx context.Context, fingerprint string) (*Certificate, error)

	// ListCertificates returns certificates matching the filter, without
	// private key material
	ListCertificates(ctx context.Context, filter *CertificateFilter) ([]*Certificate, error)

	// UpdateCertificate replaces a certificate record
	UpdateCertificate(ctx context.Context, cert *Certificate) error

	// DeleteCertificate removes a certificate record
	DeleteCertificate(ctx context.Context, id string) error
}

// SSHKeyPairStore manages SSH key pairs
type SSHKeyPairStore interface {
	CreateSSHKeyPair(ctx context.Context, pair *SSHKeyPair) error
	GetSSHKeyPair(ctx context.Context, id string) (*SSHKeyPair, error)
	ListSSHKeyPairs(ctx context.Context, tenantID string) ([]*SSHKeyPair, error)
	DeleteSSHKeyPair(ctx context.Context, id string) error
}

// PartnerStore manages trading partner profiles
type PartnerStore interface {
	// CreatePartner stores a partner. Returns ErrDuplicate when (tenant, code)
	// is already taken.
	CreatePartner(ctx context.Context, partner *TradingPartner) error

	// GetPartner retrieves a partner by ID
	GetPartner(ctx context.Context, id string) (*TradingPartner, error)

	// GetPartnerByCode retrieves a partner by (tenant, code)
	GetPartnerByCode(ctx context.Context, tenantID, code string) (*TradingPartner, error)

	// GetPartnerByAS2ID retrieves a partner by its AS2 identifier
	GetPartnerByAS2ID(ctx context.Context, as2ID string) (*TradingPartner, error)

	// ListPartners returns partners matching the filter plus the unpaginated total
	ListPartners(ctx context.Context, filter *PartnerFilter) ([]*TradingPartner, int, error)

	// UpdatePartner replaces a partner record
	UpdatePartner(ctx context.Context, partner *TradingPartner) error

	// DeletePartner removes a partner record
	DeletePartner(ctx context.Context, id string) error
}

// DeliveryJobStore manages queued delivery jobs
type DeliveryJobStore interface {
	CreateJob(ctx context.Context, job *DeliveryJob) error
	GetJob(ctx context.Context, id string) (*DeliveryJob, error)
	UpdateJob(ctx context.Context, job *DeliveryJob) error
	DeleteJob(ctx context.Context, id string) error

	// ListJobs returns jobs matching the filter plus the unpaginated total
	ListJobs(ctx context.Context, filter *JobFilter) ([]*DeliveryJob, int, error)

	// EligibleJobs returns pending/retrying jobs with scheduledAt <= now,
	// sorted by priority descending then scheduledAt ascending, capped at limit
	EligibleJobs(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error)

	// CountJobsByStatus aggregates active job counts per status for a tenant
	CountJobsByStatus(ctx context.Context, tenantID string) (map[JobStatus]int, error)
}

// TransportLogStore manages the transport audit trail
type TransportLogStore interface {
	CreateLogEntry(ctx context.Context, entry *TransportLogEntry) error
	GetLogEntry(ctx context.Context, id string) (*TransportLogEntry, error)
	UpdateLogEntry(ctx context.Context, entry *TransportLogEntry) error

	// QueryLogEntries returns entries matching the filter, newest first,
	// plus the unpaginated total
	QueryLogEntries(ctx context.Context, filter *LogFilter) ([]*TransportLogEntry, int, error)

	// DeleteLogEntriesBefore purges entries started at or before the
	// cutoff (matching the Until filter bound) and returns how many were
	// removed
	DeleteLogEntriesBefore(ctx context.Context, cutoff time.Time) (int, error)
}
