package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names
const (
	UsersCollection      = "users"
	EncodingsCollection  = "face_encodings"
	AccessLogsCollection = "access_logs"
)

// MongoOptions configures MongoStore
type MongoOptions struct {
	URI                    string
	Database               string
	ServerSelectionTimeout time.Duration
}

// MongoStore is a Store backed by MongoDB
type MongoStore struct {
	client     *mongo.Client
	users      *mongo.Collection
	encodings  *mongo.Collection
	accessLogs *mongo.Collection
	logger     *logrus.Logger
}

type userDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Name      string             `bson:"name"`
	Role      string             `bson:"role"`
	CreatedAt time.Time          `bson:"created_at"`
	IsActive  bool               `bson:"is_active"`
}

type encodingDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	UserID    string             `bson:"user_id"`
	UserName  string             `bson:"user_name"`
	Encoding  []float64          `bson:"encoding"`
	ImageName *string            `bson:"image_name"`
	CreatedAt time.Time          `bson:"created_at"`
}

type accessLogDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	UserName   string             `bson:"user_name"`
	Status     string             `bson:"status"`
	AccessType string             `bson:"access_type"`
	Confidence *float64           `bson:"confidence"`
	Timestamp  time.Time          `bson:"timestamp"`
}

// NewMongoStore connects to MongoDB, verifies the connection and ensures
// the indexes exist
func NewMongoStore(ctx context.Context, opts MongoOptions, logger *logrus.Logger) (*MongoStore, error) {
	if opts.URI == "" {
		return nil, errors.New("MONGO_URI not set")
	}
	if opts.ServerSelectionTimeout <= 0 {
		opts.ServerSelectionTimeout = 5 * time.Second
	}

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(opts.URI).
		SetServerSelectionTimeout(opts.ServerSelectionTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to reach MongoDB: %w", err)
	}

	db := client.Database(opts.Database)
	s := &MongoStore{
		client:     client,
		users:      db.Collection(UsersCollection),
		encodings:  db.Collection(EncodingsCollection),
		accessLogs: db.Collection(AccessLogsCollection),
		logger:     logger,
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.Infof("Connected to MongoDB database %s", opts.Database)
	return s, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.users, mongo.IndexModel{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{s.encodings, mongo.IndexModel{Keys: bson.D{{Key: "user_id", Value: 1}}}},
		{s.accessLogs, mongo.IndexModel{Keys: bson.D{{Key: "timestamp", Value: 1}}}},
		{s.accessLogs, mongo.IndexModel{Keys: bson.D{{Key: "user_name", Value: 1}}}},
	}

	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", idx.coll.Name(), err)
		}
	}
	return nil
}

// AddUser implements Store
func (s *MongoStore) AddUser(ctx context.Context, name, role string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, fmt.Errorf("%w: empty user name", ErrInvalidArgument)
	}
	if role == "" {
		role = RoleUser
	}

	doc := userDoc{
		Name:      name,
		Role:      role,
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}

	res, err := s.users.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return s.GetUserByName(ctx, name)
		}
		return User{}, fmt.Errorf("failed to insert user %q: %w", name, err)
	}

	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = oid
	}
	return doc.toUser(), nil
}

// GetUserByName implements Store
func (s *MongoStore) GetUserByName(ctx context.Context, name string) (User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{"name": name}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, fmt.Errorf("user %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to find user %q: %w", name, err)
	}
	return doc.toUser(), nil
}

// ListUsers implements Store
func (s *MongoStore) ListUsers(ctx context.Context) ([]User, error) {
	cur, err := s.users.Find(ctx, bson.M{"is_active": true}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}

	users := make([]User, 0, len(docs))
	for _, d := range docs {
		users = append(users, d.toUser())
	}
	return users, nil
}

// SaveFaceEncoding implements Store
func (s *MongoStore) SaveFaceEncoding(ctx context.Context, userName string, encoding []float64, imageName string) (string, error) {
	if len(encoding) == 0 {
		return "", fmt.Errorf("%w: empty encoding", ErrInvalidArgument)
	}

	user, err := s.AddUser(ctx, userName, RoleUser)
	if err != nil {
		return "", err
	}

	doc := encodingDoc{
		UserID:    user.ID,
		UserName:  user.Name,
		Encoding:  encoding,
		CreatedAt: time.Now().UTC(),
	}
	if imageName != "" {
		doc.ImageName = &imageName
	}

	res, err := s.encodings.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to save encoding for %q: %w", userName, err)
	}
	return objectIDString(res.InsertedID), nil
}

// ListFaceEncodings implements Store
func (s *MongoStore) ListFaceEncodings(ctx context.Context) ([]FaceEncoding, error) {
	cur, err := s.encodings.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to load encodings: %w", err)
	}
	defer cur.Close(ctx)

	var out []FaceEncoding
	for cur.Next(ctx) {
		var doc encodingDoc
		if err := cur.Decode(&doc); err != nil {
			s.logger.Warnf("Skipping undecodable face encoding: %v", err)
			continue
		}
		out = append(out, doc.toEncoding())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate encodings: %w", err)
	}
	return out, nil
}

// DeleteUserEncodings implements Store
func (s *MongoStore) DeleteUserEncodings(ctx context.Context, userName string) (int64, error) {
	res, err := s.encodings.DeleteMany(ctx, bson.M{"user_name": userName})
	if err != nil {
		return 0, fmt.Errorf("failed to delete encodings for %q: %w", userName, err)
	}
	return res.DeletedCount, nil
}

// LogAccess implements Store
func (s *MongoStore) LogAccess(ctx context.Context, entry AccessLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := s.accessLogs.InsertOne(ctx, accessLogDoc{
		UserName:   entry.UserName,
		Status:     entry.Status,
		AccessType: entry.AccessType,
		Confidence: entry.Confidence,
		Timestamp:  entry.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to log access: %w", err)
	}
	return nil
}

// ListAccessLogs implements Store
func (s *MongoStore) ListAccessLogs(ctx context.Context, query AccessLogQuery) ([]AccessLog, error) {
	query = query.Normalize()

	filter := bson.M{}
	if query.UserName != "" {
		filter["user_name"] = query.UserName
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(query.Limit))

	cur, err := s.accessLogs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query access logs: %w", err)
	}

	var docs []accessLogDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode access logs: %w", err)
	}

	out := make([]AccessLog, 0, len(docs))
	for _, d := range docs {
		out = append(out, AccessLog{
			ID:         d.ID.Hex(),
			UserName:   d.UserName,
			Status:     d.Status,
			AccessType: d.AccessType,
			Confidence: d.Confidence,
			Timestamp:  d.Timestamp,
		})
	}
	return out, nil
}

// Ping implements Store
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close implements Store
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	s.logger.Info("MongoDB connection closed")
	return nil
}

func (d userDoc) toUser() User {
	return User{
		ID:        d.ID.Hex(),
		Name:      d.Name,
		Role:      d.Role,
		CreatedAt: d.CreatedAt,
		IsActive:  d.IsActive,
	}
}

func (d encodingDoc) toEncoding() FaceEncoding {
	enc := FaceEncoding{
		ID:        d.ID.Hex(),
		UserID:    d.UserID,
		UserName:  d.UserName,
		Encoding:  d.Encoding,
		CreatedAt: d.CreatedAt,
	}
	if d.ImageName != nil {
		enc.ImageName = *d.ImageName
	}
	return enc
}

func objectIDString(id interface{}) string {
	if oid, ok := id.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprint(id)
}
