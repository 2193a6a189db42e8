// Package registry manages trading partner profiles and wires them into
// the AS2 engine and SFTP pool.
//
// Every create and update pushes the partner's transport profiles down to
// the protocol layers. Push-down is an upsert keyed by partner ID, so
// re-registration overwrites and last write wins.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsinghis/tradelink/internal/storage"
	"github.com/opsinghis/tradelink/pkg/as2"
	"github.com/opsinghis/tradelink/pkg/sftpx"
)

// Errors returned by the registry
var (
	ErrPartnerNotFound    = errors.New("partner not found")
	ErrDuplicateCode      = errors.New("partner code already in use")
	ErrProtocolNotEnabled = errors.New("protocol not enabled for partner")
	ErrMissingProfile     = errors.New("partner lacks profile for protocol")
)

// Service provides partner CRUD and transport health checks
type Service struct {
	store  storage.PartnerStore
	engine *as2.Engine
	pool   *sftpx.Pool
	logger *slog.Logger

	health *healthTracker
}

// NewService creates a partner registry
func NewService(store storage.PartnerStore, engine *as2.Engine, pool *sftpx.Pool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		engine: engine,
		pool:   pool,
		logger: logger,
		health: newHealthTracker(),
	}
}

// Create stores a new partner and registers its profiles with the transports
func (s *Service) Create(ctx context.Context, partner *storage.TradingPartner) (*storage.TradingPartner, error) {
	if err := validate(partner); err != nil {
		return nil, err
	}
	if partner.ID == "" {
		partner.ID = uuid.New().String()
	}

	if err := s.store.CreatePartner(ctx, partner); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateCode, partner.TenantID, partner.Code)
		}
		return nil, err
	}

	s.pushProfiles(partner)
	s.logger.Info("trading partner created",
		"tenant", partner.TenantID, "code", partner.Code, "protocols", partner.Protocols)
	return partner, nil
}

// FindByID returns a partner by ID
func (s *Service) FindByID(ctx context.Context, id string) (*storage.TradingPartner, error) {
	partner, err := s.store.GetPartner(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrPartnerNotFound
	}
	return partner, err
}

// FindByCode returns a partner by (tenant, code)
func (s *Service) FindByCode(ctx context.Context, tenantID, code string) (*storage.TradingPartner, error) {
	partner, err := s.store.GetPartnerByCode(ctx, tenantID, code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrPartnerNotFound
	}
	return partner, err
}

// FindByTenant lists partners for a tenant with optional protocol and
// active filters plus pagination
func (s *Service) FindByTenant(ctx context.Context, filter *storage.PartnerFilter) ([]*storage.TradingPartner, int, error) {
	return s.store.ListPartners(ctx, filter)
}

// Update replaces a partner and re-registers its profiles
func (s *Service) Update(ctx context.Context, partner *storage.TradingPartner) (*storage.TradingPartner, error) {
	if err := validate(partner); err != nil {
		return nil, err
	}

	if err := s.store.UpdatePartner(ctx, partner); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrPartnerNotFound
		}
		return nil, err
	}

	s.pushProfiles(partner)
	s.logger.Info("trading partner updated", "tenant", partner.TenantID, "code", partner.Code)
	return partner, nil
}

// Delete removes a partner and its transport registrations
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.store.DeletePartner(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrPartnerNotFound
	}
	if err != nil {
		return err
	}

	s.engine.RemovePartner(id)
	s.pool.RemovePartner(id)
	s.health.forget(id)
	return nil
}

func validate(partner *storage.TradingPartner) error {
	if partner.TenantID == "" || partner.Code == "" {
		return fmt.Errorf("partner tenant and code are required")
	}
	for _, proto := range partner.Protocols {
		switch proto {
		case storage.ProtocolAS2:
			if partner.AS2 == nil {
				return fmt.Errorf("%w: as2", ErrMissingProfile)
			}
		case storage.ProtocolSFTP:
			if partner.SFTP == nil {
				return fmt.Errorf("%w: sftp", ErrMissingProfile)
			}
		default:
			return fmt.Errorf("unsupported protocol %q", proto)
		}
	}
	return nil
}

// pushProfiles denormalizes the partner record into the protocol layers
func (s *Service) pushProfiles(partner *storage.TradingPartner) {
	if partner.AS2 != nil {
		s.engine.RegisterPartner(as2Profile(partner))
	}
	if partner.SFTP != nil {
		s.pool.RegisterPartner(sftpConfig(partner))
	}
}

func as2Profile(partner *storage.TradingPartner) *as2.PartnerProfile {
	p := partner.AS2
	return &as2.PartnerProfile{
		PartnerID:          partner.ID,
		AS2ID:              p.AS2ID,
		URL:                p.URL,
		SigningCertID:      p.SigningCertID,
		EncryptionCertID:   p.EncryptionCertID,
		SignatureAlgorithm: p.SignatureAlgorithm,
		MDNMode:            as2.MDNMode(p.MDNMode),
		MDNCallbackURL:     p.MDNCallbackURL,
		RequireSignedMDN:   p.RequireSignedMDN,
		Sign:               p.Sign,
		Encrypt:            p.Encrypt,
		Compress:           p.Compress,
		Headers:            p.Headers,
		AuthType:           p.AuthType,
		AuthUser:           p.AuthUser,
		AuthPassword:       p.AuthPassword,
		AuthToken:          p.AuthToken,
		Timeout:            p.Timeout,
		Active:             partner.Active && partner.HasProtocol(storage.ProtocolAS2),
	}
}

func sftpConfig(partner *storage.TradingPartner) *sftpx.ConnectionConfig {
	p := partner.SFTP
	return &sftpx.ConnectionConfig{
		PartnerID:             partner.ID,
		Host:                  p.Host,
		Port:                  p.Port,
		Username:              p.Username,
		AuthMethod:            p.AuthMethod,
		Password:              p.Password,
		PrivateKeyID:          p.PrivateKeyID,
		Passphrase:            p.Passphrase,
		HostKeyFingerprint:    p.HostKeyFingerprint,
		InsecureIgnoreHostKey: p.InsecureIgnoreHostKey,
		Timeout:               p.Timeout,
		Retry: sftpx.RetryPolicy{
			MaxAttempts:   p.Retry.MaxAttempts,
			BaseDelay:     p.Retry.BaseDelay,
			BackoffFactor: p.Retry.BackoffFactor,
			MaxDelay:      p.Retry.MaxDelay,
		},
		InboundDir:     p.InboundDir,
		InboundPattern: p.InboundPattern,
		ProcessedDir:   p.ProcessedDir,
		ErrorDir:       p.ErrorDir,
		OutboundDir:    p.OutboundDir,
		TempDir:        p.TempDir,
		Active:         partner.Active && partner.HasProtocol(storage.ProtocolSFTP),
	}
}

// ResyncAll re-registers every stored partner with the transports. Called
// at startup when profiles live in a persistent store.
func (s *Service) ResyncAll(ctx context.Context) error {
	partners, _, err := s.store.ListPartners(ctx, nil)
	if err != nil {
		return err
	}
	for _, partner := range partners {
		s.pushProfiles(partner)
	}
	s.logger.Info("partner profiles resynced", "count", len(partners))
	return nil
}

// TransportHealthCheck is the result of probing one partner transport
type TransportHealthCheck struct {
	PartnerID           string           `json:"partnerId"`
	Protocol            storage.Protocol `json:"protocol"`
	Healthy             bool             `json:"healthy"`
	LatencyMs           int64            `json:"latencyMs"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
	LastSuccess         *time.Time       `json:"lastSuccess,omitempty"`
	LastFailure         *time.Time       `json:"lastFailure,omitempty"`
	Error               string           `json:"error,omitempty"`
}

// TestConnection probes the partner's transport for the protocol. Failures
// are reported in the result, never raised.
func (s *Service) TestConnection(ctx context.Context, partnerID string, protocol storage.Protocol) *TransportHealthCheck {
	check := &TransportHealthCheck{PartnerID: partnerID, Protocol: protocol}

	partner, err := s.FindByID(ctx, partnerID)
	if err == nil && !partner.HasProtocol(protocol) {
		err = fmt.Errorf("%w: %s", ErrProtocolNotEnabled, protocol)
	}

	start := time.Now()
	if err == nil {
		switch protocol {
		case storage.ProtocolAS2:
			err = s.engine.TestConnection(ctx, partnerID)
		case storage.ProtocolSFTP:
			err = s.pool.TestConnection(ctx, partnerID)
		default:
			err = fmt.Errorf("unsupported protocol %q", protocol)
		}
	}
	check.LatencyMs = time.Since(start).Milliseconds()
	if check.LatencyMs == 0 {
		check.LatencyMs = 1
	}

	record := s.health.record(partnerID, protocol, err)
	check.ConsecutiveFailures = record.consecutiveFailures
	check.LastSuccess = record.lastSuccess
	check.LastFailure = record.lastFailure

	if err != nil {
		check.Error = err.Error()
		return check
	}
	check.Healthy = true
	return check
}

// GetHealthStatus probes every active partner across its enabled protocols
func (s *Service) GetHealthStatus(ctx context.Context, tenantID string) ([]*TransportHealthCheck, error) {
	active := true
	partners, _, err := s.store.ListPartners(ctx, &storage.PartnerFilter{TenantID: tenantID, Active: &active})
	if err != nil {
		return nil, err
	}

	var checks []*TransportHealthCheck
	for _, partner := range partners {
		for _, protocol := range partner.Protocols {
			checks = append(checks, s.TestConnection(ctx, partner.ID, protocol))
		}
	}
	return checks, nil
}
