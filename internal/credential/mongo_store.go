package credential

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoDefaultDatabase = "relaycrm"
	mongoConnectTimeout  = 10 * time.Second
)

var _ Store = &MongoStore{}

type mongoCredential struct {
	TenantID     string    `bson:"location_id"`
	AccessToken  string    `bson:"access_token"`
	RefreshToken string    `bson:"refresh_token"`
	TokenKind    string    `bson:"token_type"`
	UserType     string    `bson:"user_type"`
	CompanyID    string    `bson:"company_id"`
	ExpiresIn    int64     `bson:"expires_in"`
	Scope        string    `bson:"scope"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

// MongoStore is a MongoDB-backed credential store.
type MongoStore struct {
	client *mongo.Client
	tokens *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{tokens: db.Collection(credentialTableName)}
}

// OpenMongoStore connects using a mongodb:// URI; the URI path names the database.
func OpenMongoStore(ctx context.Context, uri string) (*MongoStore, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, ErrInvalidInput
	}
	dbName := mongoDefaultDatabase
	if parsed, err := url.Parse(uri); err == nil {
		if name := strings.Trim(parsed.Path, "/"); name != "" {
			dbName = name
		}
	}
	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	store := NewMongoStore(client.Database(dbName))
	store.client = client
	return store, nil
}

func (s *MongoStore) Latest(ctx context.Context) (Credential, error) {
	var doc mongoCredential
	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "location_id", Value: 1}})
	err := s.tokens.FindOne(ctx, bson.M{}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	return Credential{
		TenantID:     doc.TenantID,
		AccessToken:  doc.AccessToken,
		RefreshToken: doc.RefreshToken,
		TokenKind:    doc.TokenKind,
		UserType:     doc.UserType,
		CompanyID:    doc.CompanyID,
		ExpiresIn:    doc.ExpiresIn,
		Scope:        doc.Scope,
		UpdatedAt:    doc.UpdatedAt.UTC(),
	}, nil
}

// Upsert replaces the whole record for the tenant.
func (s *MongoStore) Upsert(ctx context.Context, cred Credential) error {
	cred, err := prepareUpsert(cred)
	if err != nil {
		return err
	}
	filter := bson.M{"location_id": cred.TenantID}
	upd := bson.M{"$set": bson.M{
		"access_token":  cred.AccessToken,
		"refresh_token": cred.RefreshToken,
		"token_type":    cred.TokenKind,
		"user_type":     cred.UserType,
		"company_id":    cred.CompanyID,
		"expires_in":    cred.ExpiresIn,
		"scope":         cred.Scope,
		"updated_at":    cred.UpdatedAt.UTC(),
	}}
	_, err = s.tokens.UpdateOne(ctx, filter, upd, options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) Delete(ctx context.Context, tenantID string) error {
	_, err := s.tokens.DeleteOne(ctx, bson.M{"location_id": strings.TrimSpace(tenantID)})
	return err
}

func (s *MongoStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
