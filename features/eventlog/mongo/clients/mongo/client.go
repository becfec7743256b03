// Package mongo implements the low-level MongoDB client used by the session
// event log store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/eventlog"
)

type (
	// Client exposes Mongo-backed operations for the session event log.
	Client interface {
		health.Pinger

		Append(ctx context.Context, e *eventlog.Event) error
		List(ctx context.Context, sessionID string, cursor string, limit int) (eventlog.Page, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	eventDocument struct {
		SessionID string    `bson:"session_id"`
		Seq       int64     `bson:"seq"`
		AgentID   string    `bson:"agent_id,omitempty"`
		Type      string    `bson:"type"`
		Payload   []byte    `bson:"payload,omitempty"`
		Timestamp time.Time `bson:"timestamp"`
	}
)

const (
	defaultCollection = "session_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "eventlog-mongo"
)

// New returns a Client backed by the provided MongoDB client. It ensures the
// unique (session_id, seq) index that enforces the per-session ordering
// contract against concurrent writers.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Append persists the event after verifying it extends the session log by
// exactly one. The unique index turns races between concurrent writers into
// duplicate key errors which surface as eventlog.ErrSequenceConflict.
func (c *client) Append(ctx context.Context, e *eventlog.Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.Seq < 1 {
		return errors.New("sequence number must be >= 1")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	last, err := c.lastSeq(ctx, e.SessionID)
	if err != nil {
		return err
	}
	if e.Seq != last+1 {
		return fmt.Errorf("append seq %d after %d: %w", e.Seq, last, eventlog.ErrSequenceConflict)
	}

	doc := eventDocument{
		SessionID: e.SessionID,
		Seq:       e.Seq,
		AgentID:   string(e.AgentID),
		Type:      string(e.Type),
		Payload:   append([]byte(nil), e.Payload...),
		Timestamp: e.Timestamp.UTC(),
	}
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("append seq %d: %w", e.Seq, eventlog.ErrSequenceConflict)
		}
		return err
	}
	return nil
}

// List returns events ordered by sequence number. The cursor is the decimal
// encoding of the last sequence number returned by the previous page.
func (c *client) List(ctx context.Context, sessionID string, cursor string, limit int) (page eventlog.Page, err error) {
	if sessionID == "" {
		return eventlog.Page{}, errors.New("session id is required")
	}
	if limit <= 0 {
		return eventlog.Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{"session_id": sessionID}
	if cursor != "" {
		after, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return eventlog.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["seq"] = bson.M{"$gt": after}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(int64(limit+1)),
	)
	if err != nil {
		return eventlog.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var events []*eventlog.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return eventlog.Page{}, err
		}
		events = append(events, &eventlog.Event{
			Seq:       doc.Seq,
			Type:      eventlog.EventType(doc.Type),
			SessionID: doc.SessionID,
			AgentID:   ensemble.AgentID(doc.AgentID),
			Timestamp: doc.Timestamp,
			Payload:   append([]byte(nil), doc.Payload...),
		})
	}
	if err := cur.Err(); err != nil {
		return eventlog.Page{}, err
	}

	var next string
	if len(events) > limit {
		events = events[:limit]
		next = strconv.FormatInt(events[limit-1].Seq, 10)
	}
	return eventlog.Page{
		Events:     events,
		NextCursor: next,
	}, nil
}

// lastSeq returns the highest persisted sequence number for the session, or
// zero when the session has no events.
func (c *client) lastSeq(ctx context.Context, sessionID string) (last int64, err error) {
	cur, err := c.coll.Find(ctx, bson.M{"session_id": sessionID}, options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetLimit(1),
	)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	if cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return 0, err
		}
		last = doc.Seq
	}
	if err := cur.Err(); err != nil {
		return 0, err
	}
	return last, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
