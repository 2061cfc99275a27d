package credstore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/mfakit/pkg/credential"
)

// MongoConfig configures the Mongo durable backend connection.
type MongoConfig struct {
	ConnectionURL  string        `env:"MFA_MONGODB_URL,required"`
	Database       string        `env:"MFA_MONGODB_DATABASE" envDefault:"mfa"`
	Collection     string        `env:"MFA_MONGODB_COLLECTION" envDefault:"credentials"`
	ConnectTimeout time.Duration `env:"MFA_MONGODB_CONNECT_TIMEOUT" envDefault:"10s"`
	RetryAttempts  int           `env:"MFA_MONGODB_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"MFA_MONGODB_RETRY_INTERVAL" envDefault:"5s"`
}

// MongoBackend is the default durable backend. Records live one-per-document;
// legacy imports may hold several documents per user, which Get resolves the
// same way every backend does (enabled first, then newest) and migration
// cleans up via Archive.
type MongoBackend struct {
	coll *mongo.Collection
}

// NewMongoBackend wraps an existing collection.
func NewMongoBackend(coll *mongo.Collection) *MongoBackend {
	if coll == nil {
		panic("credstore: mongo collection cannot be nil")
	}
	return &MongoBackend{coll: coll}
}

// ConnectMongo establishes a Mongo connection with retry, then wraps the
// configured collection as a backend.
func ConnectMongo(ctx context.Context, cfg MongoConfig) (*MongoBackend, error) {
	for range max(cfg.RetryAttempts, 1) {
		client, err := mongo.Connect(options.Client().
			ApplyURI(cfg.ConnectionURL).
			SetConnectTimeout(cfg.ConnectTimeout))
		if err == nil {
			if err := client.Ping(ctx, nil); err == nil {
				return NewMongoBackend(client.Database(cfg.Database).Collection(cfg.Collection)), nil
			}
			_ = client.Disconnect(ctx)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrStorageUnavailable, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrStorageUnavailable
}

func activeFilter(userID string) bson.M {
	return bson.M{"user_id": userID, "archived": bson.M{"$ne": true}}
}

func (b *MongoBackend) Get(ctx context.Context, userID string) (*credential.Credential, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "enabled", Value: -1}, {Key: "updated_at", Value: -1}})

	var cred credential.Credential
	err := b.coll.FindOne(ctx, activeFilter(userID), opts).Decode(&cred)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCredentialNotFound
		}
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	return &cred, nil
}

func (b *MongoBackend) Put(ctx context.Context, cred *credential.Credential) error {
	opts := options.FindOneAndReplace().
		SetSort(bson.D{{Key: "enabled", Value: -1}, {Key: "updated_at", Value: -1}}).
		SetUpsert(true)

	err := b.coll.FindOneAndReplace(ctx, activeFilter(cred.UserID), cred, opts).Err()
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return nil
}

func (b *MongoBackend) Delete(ctx context.Context, userID string) error {
	if _, err := b.coll.DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return nil
}

func (b *MongoBackend) List(ctx context.Context) ([]*credential.Credential, error) {
	cursor, err := b.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	defer cursor.Close(ctx)

	var out []*credential.Credential
	for cursor.Next(ctx) {
		var cred credential.Credential
		if err := cursor.Decode(&cred); err != nil {
			return nil, err
		}
		out = append(out, &cred)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	return out, nil
}

// ConsumeBackupCode is a single conditional update: the filter matches only
// while the code is still unconsumed, so the server applies the flip
// atomically and concurrent attempts cannot both match.
func (b *MongoBackend) ConsumeBackupCode(ctx context.Context, userID, codeHash string) error {
	now := time.Now()
	filter := bson.M{
		"user_id":  userID,
		"archived": bson.M{"$ne": true},
		"backup_code_hashes": bson.M{"$elemMatch": bson.M{
			"hash":     codeHash,
			"consumed": false,
		}},
	}
	update := bson.M{"$set": bson.M{
		"backup_code_hashes.$.consumed":    true,
		"backup_code_hashes.$.consumed_at": now,
		"updated_at":                       now,
	}}

	res, err := b.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	if res.ModifiedCount > 0 {
		return nil
	}

	// Nothing matched: figure out whether the code exists at all.
	count, err := b.coll.CountDocuments(ctx, bson.M{
		"user_id":                 userID,
		"archived":                bson.M{"$ne": true},
		"backup_code_hashes.hash": codeHash,
	})
	if err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	if count > 0 {
		return ErrBackupCodeAlreadyUsed
	}
	return ErrBackupCodeNotFound
}

func (b *MongoBackend) Archive(ctx context.Context, userID string, keepCreatedAt time.Time) (int, error) {
	res, err := b.coll.UpdateMany(ctx,
		bson.M{
			"user_id":    userID,
			"archived":   bson.M{"$ne": true},
			"created_at": bson.M{"$ne": keepCreatedAt},
		},
		bson.M{"$set": bson.M{"archived": true}},
	)
	if err != nil {
		return 0, errors.Join(ErrStorageUnavailable, err)
	}
	return int(res.ModifiedCount), nil
}
