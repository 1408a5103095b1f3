package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/crewvar/crewauth/internal/models"
	"github.com/crewvar/crewauth/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collRequests = "otp_requests"

// Mongo implements a MongoDB Store. Records live in the otp_requests
// collection and are retained indefinitely; cooldown lookups sort by
// createdAt descending on a compound (email, used, createdAt) index.
type Mongo struct {
	db *mongo.Database
}

// New returns a Mongo implementation of store.Store on the given database
// handle and ensures the lookup index exists.
func New(ctx context.Context, db *mongo.Database) (*Mongo, error) {
	m := &Mongo{db: db}

	_, err := db.Collection(collRequests).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "email", Value: 1}, {Key: "used", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("error creating otp_requests index: %w", err)
	}
	return m, nil
}

// Ping checks if the MongoDB server is reachable.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.db.Client().Ping(ctx, nil)
}

// Create persists a new request record.
func (m *Mongo) Create(ctx context.Context, req models.OTPRequest) error {
	if _, err := m.db.Collection(collRequests).InsertOne(ctx, req); err != nil {
		return fmt.Errorf("error creating OTP request: %w", err)
	}
	return nil
}

// Latest returns the most recently created unused request for the e-mail.
func (m *Mongo) Latest(ctx context.Context, email string) (models.OTPRequest, error) {
	var (
		out    models.OTPRequest
		filter = bson.M{"email": email, "used": false}
		opts   = options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	)

	err := m.db.Collection(collRequests).FindOne(ctx, filter, opts).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return out, store.ErrNotExist
	}
	if err != nil {
		return out, err
	}
	return out, nil
}

// IncrementAttempts bumps the attempt counter with a conditional update so
// that two racing wrong-code submissions cannot under-count.
func (m *Mongo) IncrementAttempts(ctx context.Context, id string, current int) error {
	res, err := m.db.Collection(collRequests).UpdateOne(ctx,
		bson.M{"_id": id, "used": false, "attempts": current},
		bson.M{"$inc": bson.M{"attempts": 1}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrConflict
	}
	return nil
}

// MarkUsed terminates a record.
func (m *Mongo) MarkUsed(ctx context.Context, id string, verifiedAt time.Time) error {
	set := bson.M{"used": true}
	if !verifiedAt.IsZero() {
		set["verifiedAt"] = verifiedAt
	}

	_, err := m.db.Collection(collRequests).UpdateOne(ctx,
		bson.M{"_id": id}, bson.M{"$set": set})
	return err
}
