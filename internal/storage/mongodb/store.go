// Package mongodb implements the durable storage interfaces using MongoDB.
//
// The backend covers partners, certificates, SSH key pairs and transport
// logs. Delivery jobs are queue state owned by a single process and are not
// persisted here; compose this store with the memory job store.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/opsinghis/tradelink/internal/storage"
)

// Store implements the durable subset of storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	// Collections
	certs    *mongo.Collection
	sshKeys  *mongo.Collection
	partners *mongo.Collection
	logs     *mongo.Collection
}

// Config holds MongoDB connection settings
type Config struct {
	URI      string
	Database string
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	s := &Store{
		client:   client,
		db:       db,
		certs:    db.Collection("certificates"),
		sshKeys:  db.Collection("ssh_keys"),
		partners: db.Collection("partners"),
		logs:     db.Collection("transport_logs"),
	}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.certs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "fingerprint", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "active", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "not_after", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating certificate indexes: %w", err)
	}

	_, err = s.sshKeys.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating ssh key indexes: %w", err)
	}

	_, err = s.partners.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "code", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "as2.as2_id", Value: 1}}, Options: options.Index().SetSparse(true)},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "active", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating partner indexes: %w", err)
	}

	_, err = s.logs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "started_at", Value: -1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "partner_id", Value: 1}, {Key: "started_at", Value: -1}}},
		{Keys: bson.D{{Key: "correlation_id", Value: 1}}},
		{Keys: bson.D{{Key: "started_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating transport log indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// CertificateStore implementation

func (s *Store) CreateCertificate(ctx context.Context, cert *storage.Certificate) error {
	now := time.Now()
	cert.CreatedAt = now
	cert.UpdatedAt = now

	_, err := s.certs.InsertOne(ctx, cert)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetCertificate(ctx context.Context, id string) (*storage.Certificate, error) {
	var cert storage.Certificate
	err := s.certs.FindOne(ctx, bson.M{"_id": id}).Decode(&cert)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) GetCertificateByFingerprint(ctx context.Context, fingerprint string) (*storage.Certificate, error) {
	var cert storage.Certificate
	err := s.certs.FindOne(ctx, bson.M{"fingerprint": fingerprint}).Decode(&cert)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (s *Store) ListCertificates(ctx context.Context, filter *storage.CertificateFilter) ([]*storage.Certificate, error) {
	query := bson.M{}
	if filter != nil {
		if filter.TenantID != "" {
			query["tenant_id"] = filter.TenantID
		}
		if filter.Format != "" {
			query["format"] = filter.Format
		}
		if filter.Active != nil {
			query["active"] = *filter.Active
		}
	}

	// Key material never leaves the store through listings
	opts := options.Find().
		SetProjection(bson.M{"private_key_pem": 0}).
		SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := s.certs.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var certs []*storage.Certificate
	if err := cursor.All(ctx, &certs); err != nil {
		return nil, err
	}
	return certs, nil
}

func (s *Store) UpdateCertificate(ctx context.Context, cert *storage.Certificate) error {
	cert.UpdatedAt = time.Now()
	res, err := s.certs.ReplaceOne(ctx, bson.M{"_id": cert.ID}, cert)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteCertificate(ctx context.Context, id string) error {
	res, err := s.certs.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SSHKeyPairStore implementation

func (s *Store) CreateSSHKeyPair(ctx context.Context, pair *storage.SSHKeyPair) error {
	pair.CreatedAt = time.Now()
	_, err := s.sshKeys.InsertOne(ctx, pair)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetSSHKeyPair(ctx context.Context, id string) (*storage.SSHKeyPair, error) {
	var pair storage.SSHKeyPair
	err := s.sshKeys.FindOne(ctx, bson.M{"_id": id}).Decode(&pair)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

func (s *Store) ListSSHKeyPairs(ctx context.Context, tenantID string) ([]*storage.SSHKeyPair, error) {
	query := bson.M{}
	if tenantID != "" {
		query["tenant_id"] = tenantID
	}

	opts := options.Find().
		SetProjection(bson.M{"private_key_pem": 0}).
		SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := s.sshKeys.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var pairs []*storage.SSHKeyPair
	if err := cursor.All(ctx, &pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}

func (s *Store) DeleteSSHKeyPair(ctx context.Context, id string) error {
	res, err := s.sshKeys.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PartnerStore implementation

func (s *Store) CreatePartner(ctx context.Context, partner *storage.TradingPartner) error {
	now := time.Now()
	partner.CreatedAt = now
	partner.UpdatedAt = now

	_, err := s.partners.InsertOne(ctx, partner)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetPartner(ctx context.Context, id string) (*storage.TradingPartner, error) {
	var partner storage.TradingPartner
	err := s.partners.FindOne(ctx, bson.M{"_id": id}).Decode(&partner)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &partner, nil
}

func (s *Store) GetPartnerByCode(ctx context.Context, tenantID, code string) (*storage.TradingPartner, error) {
	var partner storage.TradingPartner
	err := s.partners.FindOne(ctx, bson.M{"tenant_id": tenantID, "code": code}).Decode(&partner)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &partner, nil
}

func (s *Store) GetPartnerByAS2ID(ctx context.Context, as2ID string) (*storage.TradingPartner, error) {
	var partner storage.TradingPartner
	err := s.partners.FindOne(ctx, bson.M{"as2.as2_id": as2ID}).Decode(&partner)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &partner, nil
}

func (s *Store) ListPartners(ctx context.Context, filter *storage.PartnerFilter) ([]*storage.TradingPartner, int, error) {
	query := bson.M{}
	opts := options.Find().SetSort(bson.D{{Key: "code", Value: 1}})
	if filter != nil {
		if filter.TenantID != "" {
			query["tenant_id"] = filter.TenantID
		}
		if filter.Protocol != "" {
			query["protocols"] = filter.Protocol
		}
		if filter.Active != nil {
			query["active"] = *filter.Active
		}
		if filter.Limit > 0 {
			opts.SetLimit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			opts.SetSkip(int64(filter.Offset))
		}
	}

	total, err := s.partners.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, err
	}

	cursor, err := s.partners.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var partners []*storage.TradingPartner
	if err := cursor.All(ctx, &partners); err != nil {
		return nil, 0, err
	}
	return partners, int(total), nil
}

func (s *Store) UpdatePartner(ctx context.Context, partner *storage.TradingPartner) error {
	partner.UpdatedAt = time.Now()
	res, err := s.partners.ReplaceOne(ctx, bson.M{"_id": partner.ID}, partner)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeletePartner(ctx context.Context, id string) error {
	res, err := s.partners.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// TransportLogStore implementation

func (s *Store) CreateLogEntry(ctx context.Context, entry *storage.TransportLogEntry) error {
	_, err := s.logs.InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetLogEntry(ctx context.Context, id string) (*storage.TransportLogEntry, error) {
	var entry storage.TransportLogEntry
	err := s.logs.FindOne(ctx, bson.M{"_id": id}).Decode(&entry)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) UpdateLogEntry(ctx context.Context, entry *storage.TransportLogEntry) error {
	res, err := s.logs.ReplaceOne(ctx, bson.M{"_id": entry.ID}, entry)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) QueryLogEntries(ctx context.Context, filter *storage.LogFilter) ([]*storage.TransportLogEntry, int, error) {
	query := bson.M{}
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if filter != nil {
		if filter.TenantID != "" {
			query["tenant_id"] = filter.TenantID
		}
		if filter.PartnerID != "" {
			query["partner_id"] = filter.PartnerID
		}
		if filter.Protocol != "" {
			query["protocol"] = filter.Protocol
		}
		if filter.Direction != "" {
			query["direction"] = filter.Direction
		}
		if filter.Status != "" {
			query["status"] = filter.Status
		}
		if filter.CorrelationID != "" {
			query["correlation_id"] = filter.CorrelationID
		}
		dateRange := bson.M{}
		if !filter.Since.IsZero() {
			dateRange["$gte"] = filter.Since
		}
		if !filter.Until.IsZero() {
			dateRange["$lte"] = filter.Until
		}
		if len(dateRange) > 0 {
			query["started_at"] = dateRange
		}
		if filter.Limit > 0 {
			opts.SetLimit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			opts.SetSkip(int64(filter.Offset))
		}
	}

	total, err := s.logs.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, err
	}

	cursor, err := s.logs.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var entries []*storage.TransportLogEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, 0, err
	}
	return entries, int(total), nil
}

func (s *Store) DeleteLogEntriesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.logs.DeleteMany(ctx, bson.M{"started_at": bson.M{"$lte": cutoff}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}
