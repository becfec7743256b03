// Package mongo implements the low-level MongoDB client used by the memory
// store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/ensemble/runtime/memory"
)

const (
	defaultCollection = "ensemble_memory"
	defaultTimeout    = 5 * time.Second
	clientName        = "memory-mongo"
)

// Client exposes Mongo-backed operations for cross-session memory entries.
type Client interface {
	health.Pinger

	Put(ctx context.Context, e *memory.Entry) error
	Search(ctx context.Context, q memory.Query) ([]*memory.Entry, error)
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by the provided MongoDB client. It ensures the
// text index that powers relevance-ordered Search.
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
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Put stores the entry, assigning an identifier and creation time when the
// caller left them empty. Putting an existing identifier replaces the entry.
func (c *client) Put(ctx context.Context, e *memory.Entry) error {
	if e == nil {
		return errors.New("entry is required")
	}
	if e.Content == "" {
		return errors.New("content is required")
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	} else {
		e.CreatedAt = e.CreatedAt.UTC()
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := fromEntry(e)
	filter := bson.M{"entry_id": doc.EntryID}
	update := bson.M{
		"$set": bson.M{
			"entry_id":   doc.EntryID,
			"namespace":  doc.Namespace,
			"content":    doc.Content,
			"tags":       doc.Tags,
			"created_at": doc.CreatedAt,
		},
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// Search returns entries in descending relevance order using the collection
// text index. An empty query text lists the namespace's entries most recent
// first.
func (c *client) Search(ctx context.Context, q memory.Query) (out []*memory.Entry, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if q.Namespace != "" {
		filter["namespace"] = q.Namespace
	}

	findOpts := options.Find()
	if q.Text != "" {
		filter["$text"] = bson.M{"$search": q.Text}
		findOpts = findOpts.
			SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
			SetSort(bson.D{
				{Key: "score", Value: bson.M{"$meta": "textScore"}},
				{Key: "created_at", Value: -1},
			})
	} else {
		findOpts = findOpts.SetSort(bson.D{{Key: "created_at", Value: -1}})
	}
	if q.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(q.Limit))
	}

	cur, err := c.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toEntry())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type entryDocument struct {
	EntryID   string    `bson:"entry_id"`
	Namespace string    `bson:"namespace,omitempty"`
	Content   string    `bson:"content"`
	Tags      []string  `bson:"tags,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

func fromEntry(e *memory.Entry) entryDocument {
	return entryDocument{
		EntryID:   e.ID,
		Namespace: e.Namespace,
		Content:   e.Content,
		Tags:      append([]string(nil), e.Tags...),
		CreatedAt: e.CreatedAt.UTC(),
	}
}

func (doc entryDocument) toEntry() *memory.Entry {
	return &memory.Entry{
		ID:        doc.EntryID,
		Namespace: doc.Namespace,
		Content:   doc.Content,
		Tags:      append([]string(nil), doc.Tags...),
		CreatedAt: doc.CreatedAt,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "entry_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	namespaceIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "namespace", Value: 1},
			{Key: "created_at", Value: -1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, namespaceIndex); err != nil {
		return err
	}
	textIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "content", Value: "text"},
			{Key: "tags", Value: "text"},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, textIndex); err != nil {
		return err
	}
	return nil
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
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
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

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
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
