// Package mongostore implements store.Store on MongoDB.
package mongostore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Tyrowin/dmrelay/internal/protocol"
	"github.com/Tyrowin/dmrelay/internal/store"
)

const (
	defaultMaxPoolSize = 100
	defaultMaxRetry    = 3

	usersCollection    = "users"
	messagesCollection = "messages"
)

// Config represents the MongoDB configuration.
type Config struct {
	URI         string
	Database    string
	MaxPoolSize int
	MaxRetry    int
}

// ValidateAndSetDefaults validates the configuration and sets default values.
func (c *Config) ValidateAndSetDefaults() error {
	if c.URI == "" {
		return errors.New("mongo uri is required")
	}
	if c.Database == "" {
		return errors.New("mongo database is required")
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = defaultMaxPoolSize
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaultMaxRetry
	}
	return nil
}

type userDoc struct {
	Username string    `bson:"username"`
	LastSeen time.Time `bson:"lastSeen"`
	Status   string    `bson:"status"`
}

type messageDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	From      string             `bson:"from"`
	To        string             `bson:"to"`
	Content   string             `bson:"content"`
	Timestamp string             `bson:"timestamp"`
	SentAt    time.Time          `bson:"sentAt"`
}

// Store is a MongoDB-backed store.Store.
type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	messages *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// Open connects to MongoDB, retrying transient failures, and ensures the
// indexes used by history and presence queries exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(uint64(cfg.MaxPoolSize))

	var (
		client *mongo.Client
		err    error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		client, err = connect(ctx, opts)
		if err != nil && shouldRetry(ctx, err) {
			time.Sleep(time.Second / 2)
			continue
		}
		break
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connect to mongodb %s", cfg.Database)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:   client,
		users:    db.Collection(usersCollection),
		messages: db.Collection(messagesCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func connect(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return client, nil
}

// shouldRetry reports whether a connect error is worth another attempt.
// Authentication failures (codes 13 and 18) are not.
func shouldRetry(ctx context.Context, err error) bool {
	select {
	case <-ctx.Done():
		return false
	default:
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) {
			return cmdErr.Code != 13 && cmdErr.Code != 18
		}
		return true
	}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errors.Wrap(err, "create users index")
	}

	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "from", Value: 1}, {Key: "sentAt", Value: -1}}},
		{Keys: bson.D{{Key: "to", Value: 1}, {Key: "sentAt", Value: -1}}},
	})
	return errors.Wrap(err, "create messages indexes")
}

func (s *Store) setStatus(ctx context.Context, username string, status protocol.UserStatus, now time.Time) error {
	_, err := s.users.UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{
			"$setOnInsert": bson.M{"username": username},
			"$set":         bson.M{"lastSeen": now.UTC(), "status": string(status)},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

// UpsertUserOnJoin implements store.Store.
func (s *Store) UpsertUserOnJoin(ctx context.Context, username string, now time.Time) error {
	return store.Wrap("upsert user", s.setStatus(ctx, username, protocol.StatusOnline, now))
}

// MarkUserOffline implements store.Store.
func (s *Store) MarkUserOffline(ctx context.Context, username string, now time.Time) error {
	return store.Wrap("mark user offline", s.setStatus(ctx, username, protocol.StatusOffline, now))
}

// InsertMessage implements store.Store.
func (s *Store) InsertMessage(ctx context.Context, msg protocol.ChatMessage) error {
	sentAt, err := protocol.ParseTimestamp(msg.Timestamp)
	if err != nil {
		return store.Wrap("insert message", errors.Wrapf(err, "parse timestamp %q", msg.Timestamp))
	}

	_, err = s.messages.InsertOne(ctx, messageDoc{
		From:      msg.From,
		To:        msg.To,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		SentAt:    sentAt.UTC(),
	})
	return store.Wrap("insert message", err)
}

// FetchHistory implements store.Store.
func (s *Store) FetchHistory(ctx context.Context, username string, limit int) ([]protocol.ChatMessage, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"from": username},
		bson.M{"to": username},
	}}
	opts := options.Find().
		SetSort(bson.D{{Key: "sentAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(store.NormalizeLimit(limit)))

	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, store.Wrap("fetch history", err)
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, store.Wrap("fetch history", err)
	}

	messages := make([]protocol.ChatMessage, len(docs))
	for i, d := range docs {
		messages[len(docs)-1-i] = protocol.ChatMessage{
			From:      d.From,
			To:        d.To,
			Content:   d.Content,
			Timestamp: d.Timestamp,
		}
	}
	return messages, nil
}

// ListUsers implements store.Store.
func (s *Store) ListUsers(ctx context.Context) ([]store.UserRecord, error) {
	cursor, err := s.users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "username", Value: 1}}))
	if err != nil {
		return nil, store.Wrap("list users", err)
	}
	var docs []userDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, store.Wrap("list users", err)
	}

	users := make([]store.UserRecord, 0, len(docs))
	for _, d := range docs {
		users = append(users, store.UserRecord{
			Username: d.Username,
			LastSeen: d.LastSeen.UTC(),
			Status:   protocol.UserStatus(d.Status),
		})
	}
	return users, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return store.Wrap("ping", s.client.Ping(ctx, nil))
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return store.Wrap("close", s.client.Disconnect(ctx))
}
