package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AuditEntry records one preflight decision, keyed by mandate ID.
type AuditEntry struct {
	AuditID           string    `bson:"audit_id" json:"audit_id"`
	MandateID         string    `bson:"mandate_id" json:"mandate_id"`
	AgentID           string    `bson:"agent_id" json:"agent_id"`
	Allowed           bool      `bson:"allowed" json:"allowed"`
	Reason            string    `bson:"reason,omitempty" json:"reason,omitempty"`
	RuleID            string    `bson:"rule_id,omitempty" json:"rule_id,omitempty"`
	Provider          string    `bson:"provider,omitempty" json:"provider,omitempty"`
	RiskLevel         string    `bson:"risk_level,omitempty" json:"risk_level,omitempty"`
	RiskScore         float64   `bson:"risk_score,omitempty" json:"risk_score,omitempty"`
	RecommendedAction string    `bson:"recommended_action,omitempty" json:"recommended_action,omitempty"`
	CreatedAt         time.Time `bson:"created_at" json:"created_at"`
}

// AuditStore persists compliance decisions.
type AuditStore interface {
	Append(ctx context.Context, entry AuditEntry) error
	ByMandate(ctx context.Context, mandateID string) ([]AuditEntry, error)
}

// MemoryAuditStore is an in-process AuditStore for development and tests.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

// NewMemoryAuditStore constructs an empty store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Append(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryAuditStore) ByMandate(_ context.Context, mandateID string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditEntry
	for _, e := range s.entries {
		if e.MandateID == mandateID {
			out = append(out, e)
		}
	}
	return out, nil
}

// MongoAuditStore implements AuditStore using MongoDB.
type MongoAuditStore struct {
	client  *mongo.Client
	entries *mongo.Collection
}

// NewMongoAuditStore connects and ensures indexes.
func NewMongoAuditStore(connectionString, database string) (*MongoAuditStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	entries := client.Database(database).Collection("compliance_audit")
	_, err = entries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "audit_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "mandate_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create compliance audit indexes: %w", err)
	}

	return &MongoAuditStore{client: client, entries: entries}, nil
}

func (s *MongoAuditStore) Append(ctx context.Context, entry AuditEntry) error {
	if _, err := s.entries.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *MongoAuditStore) ByMandate(ctx context.Context, mandateID string) ([]AuditEntry, error) {
	cursor, err := s.entries.Find(ctx, bson.M{"mandate_id": mandateID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer cursor.Close(ctx)

	var out []AuditEntry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode audit entries: %w", err)
	}
	return out, nil
}

// Close disconnects the client.
func (s *MongoAuditStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
