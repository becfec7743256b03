package mongo

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/ensemble/runtime/memory"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	err := ensureIndexes(context.Background(), fc)
	require.NoError(t, err)
	require.Equal(t, 3, fc.indexCreated)
}

func TestPutAssignsIDAndTimestamp(t *testing.T) {
	fc := newFakeCollection()
	client := mustNewTestClient(fc)

	e := &memory.Entry{
		Namespace: "triage",
		Content:   "api rate limits reset hourly",
		Tags:      []string{"api", "limits"},
	}
	err := client.Put(context.Background(), e)
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)
	require.False(t, e.CreatedAt.IsZero())

	require.Len(t, fc.docs, 1)
	stored := fc.docs[e.ID]
	require.Equal(t, e.ID, stored.EntryID)
	require.Equal(t, "triage", stored.Namespace)
	require.Equal(t, "api rate limits reset hourly", stored.Content)
	require.Equal(t, []string{"api", "limits"}, stored.Tags)
	require.Equal(t, e.CreatedAt, stored.CreatedAt)
}

func TestPutReplacesByID(t *testing.T) {
	fc := newFakeCollection()
	client := mustNewTestClient(fc)

	err := client.Put(context.Background(), &memory.Entry{ID: "mem-1", Namespace: "triage", Content: "first"})
	require.NoError(t, err)
	err = client.Put(context.Background(), &memory.Entry{ID: "mem-1", Namespace: "triage", Content: "second"})
	require.NoError(t, err)

	require.Len(t, fc.docs, 1)
	require.Equal(t, "second", fc.docs["mem-1"].Content)
}

func TestPutValidation(t *testing.T) {
	client := mustNewTestClient(newFakeCollection())

	err := client.Put(context.Background(), nil)
	require.EqualError(t, err, "entry is required")
	err = client.Put(context.Background(), &memory.Entry{Namespace: "triage"})
	require.EqualError(t, err, "content is required")
}

func TestSearchByTextRanksRelevance(t *testing.T) {
	fc := newFakeCollection()
	client := mustNewTestClient(fc)

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	seed := []*memory.Entry{
		{ID: "mem-1", Namespace: "triage", Content: "api rate limits reset hourly", CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "mem-2", Namespace: "triage", Content: "rate limit backoff doubled after incident", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "mem-3", Namespace: "triage", Content: "deploy window is tuesday", CreatedAt: now.Add(-time.Hour)},
		{ID: "mem-4", Namespace: "other", Content: "rate limits elsewhere", CreatedAt: now},
	}
	for _, e := range seed {
		require.NoError(t, client.Put(context.Background(), e))
	}

	out, err := client.Search(context.Background(), memory.Query{
		Namespace: "triage",
		Text:      "rate limits",
		Limit:     8,
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "mem-1", out[0].ID)
	require.Equal(t, "mem-2", out[1].ID)
}

func TestSearchEmptyTextListsRecentFirst(t *testing.T) {
	fc := newFakeCollection()
	client := mustNewTestClient(fc)

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"mem-1", "mem-2", "mem-3"} {
		err := client.Put(context.Background(), &memory.Entry{
			ID:        id,
			Namespace: "triage",
			Content:   "entry " + id,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	out, err := client.Search(context.Background(), memory.Query{Namespace: "triage", Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "mem-3", out[0].ID)
	require.Equal(t, "mem-2", out[1].ID)
}

func mustNewTestClient(fc *fakeCollection) *client {
	cl, err := newClientWithCollection(nil, fc, time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

// fakeCollection is a lightweight in-memory collection that mimics the subset
// of MongoDB behavior exercised by the client, including naive text scoring so
// relevance ordering can be asserted without a live server.
type fakeCollection struct {
	docs         map[string]entryDocument
	indexCreated int
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]entryDocument)}
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	entryID := filter.(bson.M)["entry_id"].(string)
	set := update.(bson.M)["$set"].(bson.M)

	doc := entryDocument{EntryID: entryID}
	if v, ok := set["namespace"].(string); ok {
		doc.Namespace = v
	}
	if v, ok := set["content"].(string); ok {
		doc.Content = v
	}
	if v, ok := set["tags"].([]string); ok {
		doc.Tags = v
	}
	if v, ok := set["created_at"].(time.Time); ok {
		doc.CreatedAt = v
	}

	_, existed := c.docs[entryID]
	c.docs[entryID] = doc
	if existed {
		return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeCollection) Find(ctx context.Context, filter any,
	opts ...options.Lister[options.FindOptions]) (cursor, error) {
	var fo options.FindOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		for _, set := range opt.List() {
			if err := set(&fo); err != nil {
				return nil, err
			}
		}
	}

	f, _ := filter.(bson.M)
	namespace, _ := f["namespace"].(string)
	var terms []string
	if txt, ok := f["$text"].(bson.M); ok {
		if search, ok := txt["$search"].(string); ok {
			terms = strings.Fields(strings.ToLower(search))
		}
	}

	type scored struct {
		doc   entryDocument
		score int
	}
	matches := make([]scored, 0, len(c.docs))
	for _, doc := range c.docs {
		if namespace != "" && doc.Namespace != namespace {
			continue
		}
		score := 0
		content := strings.ToLower(doc.Content)
		for _, term := range terms {
			if strings.Contains(content, term) {
				score++
			}
		}
		if len(terms) > 0 && score == 0 {
			continue
		}
		matches = append(matches, scored{doc: doc, score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].doc.CreatedAt.After(matches[j].doc.CreatedAt)
	})
	if fo.Limit != nil && *fo.Limit > 0 && int64(len(matches)) > *fo.Limit {
		matches = matches[:*fo.Limit]
	}

	docs := make([]entryDocument, len(matches))
	for i, m := range matches {
		docs[i] = m.doc
	}
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: c}
}

type fakeIndexView struct {
	parent *fakeCollection
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	v.parent.indexCreated++
	return "idx", nil
}

type fakeCursor struct {
	docs []entryDocument
	pos  int
	err  error
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	if c.err != nil || c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	if c.err != nil {
		return c.err
	}
	dest, ok := val.(*entryDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*dest = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error {
	return c.err
}

func (c *fakeCursor) Close(ctx context.Context) error {
	return nil
}
