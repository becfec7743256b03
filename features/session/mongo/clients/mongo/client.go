// Package mongo hosts the MongoDB client used by the session store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/ensemble"
	"goa.design/ensemble/runtime/governance"
	"goa.design/ensemble/runtime/session"
)

const (
	defaultSessionsCollection = "ensemble_sessions"
	defaultWorkersCollection  = "ensemble_workers"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

// Client exposes Mongo-backed operations for session lifecycle state and
// worker invocation metadata.
type Client interface {
	health.Pinger

	CreateSession(ctx context.Context, sessionID, workflowRef string, startedAt time.Time) (session.Session, error)
	LoadSession(ctx context.Context, sessionID string) (session.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, to session.Status) (session.Session, error)
	CompleteSession(ctx context.Context, sessionID string, completion session.Completion) (session.Session, error)

	UpsertWorker(ctx context.Context, meta session.WorkerMeta) error
	LoadWorker(ctx context.Context, invocationID string) (session.WorkerMeta, error)
	ListWorkersBySession(ctx context.Context, sessionID string, statuses []session.WorkerStatus) ([]session.WorkerMeta, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	WorkersCollection  string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	workers  collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsCollection := opts.SessionsCollection
	if sessionsCollection == "" {
		sessionsCollection = defaultSessionsCollection
	}
	workersCollection := opts.WorkersCollection
	if workersCollection == "" {
		workersCollection = defaultWorkersCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	sessColl := opts.Client.Database(opts.Database).Collection(sessionsCollection)
	workColl := opts.Client.Database(opts.Database).Collection(workersCollection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sessWrapper := mongoCollection{coll: sessColl}
	workWrapper := mongoCollection{coll: workColl}
	if err := ensureIndexes(ctx, sessWrapper, workWrapper); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, sessWrapper, workWrapper, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateSession(ctx context.Context, sessionID, workflowRef string, startedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if workflowRef == "" {
		return session.Session{}, errors.New("workflow ref is required")
	}
	if startedAt.IsZero() {
		return session.Session{}, errors.New("started_at is required")
	}

	existing, err := c.LoadSession(ctx, sessionID)
	if err == nil {
		if existing.Status.Terminal() {
			return session.Session{}, session.ErrSessionTerminal
		}
		return existing, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return session.Session{}, err
	}

	now := time.Now().UTC()
	startedAt = startedAt.UTC()
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		// Idempotent insert: CreateSession must never modify an existing
		// session. MongoDB rejects updates that set the same path in multiple
		// update operators, so this stays a pure $setOnInsert update. That
		// keeps CreateSession safe under retries and races.
		"$setOnInsert": bson.M{
			"session_id":   sessionID,
			"workflow_ref": workflowRef,
			"status":       session.StatusRunning,
			"started_at":   startedAt,
			"updated_at":   now,
		},
	}
	if _, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return session.Session{}, err
	}

	out, err := c.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if out.Status.Terminal() {
		return session.Session{}, session.ErrSessionTerminal
	}
	return out, nil
}

func (c *client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

func (c *client) UpdateSessionStatus(ctx context.Context, sessionID string, to session.Status) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}

	existing, err := c.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if existing.Status.Terminal() {
		return session.Session{}, session.ErrSessionTerminal
	}
	if to.Terminal() {
		return session.Session{}, session.ErrInvalidTransition
	}
	if !session.CanTransition(existing.Status, to) {
		return session.Session{}, fmt.Errorf("%s to %s: %w", existing.Status, to, session.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()

	// Guard on the observed status so a concurrent transition cannot be
	// silently overwritten.
	filter := bson.M{"session_id": sessionID, "status": existing.Status}
	update := bson.M{
		"$set": bson.M{
			"status":     to,
			"updated_at": now,
		},
	}
	res, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update)
	if err != nil {
		return session.Session{}, err
	}
	if res.MatchedCount == 0 {
		current, err := c.LoadSession(ctx, sessionID)
		if err != nil {
			return session.Session{}, err
		}
		if current.Status.Terminal() {
			return session.Session{}, session.ErrSessionTerminal
		}
		return session.Session{}, fmt.Errorf("%s to %s: %w", current.Status, to, session.ErrInvalidTransition)
	}
	return c.LoadSession(ctx, sessionID)
}

func (c *client) CompleteSession(ctx context.Context, sessionID string, completion session.Completion) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if completion.EndedAt.IsZero() {
		return session.Session{}, errors.New("ended_at is required")
	}
	switch completion.Outcome {
	case session.OutcomeCompleted, session.OutcomeCompletedWithWarnings, session.OutcomeFailed:
	default:
		return session.Session{}, errors.New("unknown outcome")
	}

	existing, err := c.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if existing.Status.Terminal() {
		return session.Session{}, session.ErrSessionTerminal
	}

	now := time.Now().UTC()
	ctxWithTimeout, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"session_id": sessionID,
		"status":     bson.M{"$in": []session.Status{session.StatusRunning, session.StatusWaitingCheckpoint}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     session.StatusFor(completion.Outcome),
			"outcome":    string(completion.Outcome),
			"error":      completion.Error,
			"counters":   fromCounters(completion.Counters),
			"ended_at":   completion.EndedAt.UTC(),
			"updated_at": now,
		},
	}
	res, err := c.sessions.UpdateOne(ctxWithTimeout, filter, update)
	if err != nil {
		return session.Session{}, err
	}
	if res.MatchedCount == 0 {
		// Lost the race with a concurrent completion.
		return session.Session{}, session.ErrSessionTerminal
	}
	return c.LoadSession(ctx, sessionID)
}

func (c *client) UpsertWorker(ctx context.Context, meta session.WorkerMeta) error {
	if meta.InvocationID == "" {
		return errors.New("invocation id is required")
	}
	if meta.AgentID == "" {
		return errors.New("agent id is required")
	}
	if meta.SessionID == "" {
		return errors.New("session id is required")
	}
	now := time.Now().UTC()
	if meta.StartedAt.IsZero() {
		meta.StartedAt = now
	}
	meta.UpdatedAt = now
	doc := fromWorkerMeta(meta)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"invocation_id": meta.InvocationID}
	update := bson.M{
		"$set": bson.M{
			"invocation_id": doc.InvocationID,
			"agent_id":      doc.AgentID,
			"session_id":    doc.SessionID,
			"status":        doc.Status,
			"updated_at":    doc.UpdatedAt,
			"iterations":    doc.Iterations,
			"degraded":      doc.Degraded,
			"summary":       doc.Summary,
		},
		"$setOnInsert": bson.M{
			"started_at": doc.StartedAt,
		},
	}
	_, err := c.workers.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LoadWorker(ctx context.Context, invocationID string) (session.WorkerMeta, error) {
	if invocationID == "" {
		return session.WorkerMeta{}, errors.New("invocation id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"invocation_id": invocationID}
	var doc workerDocument
	if err := c.workers.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.WorkerMeta{}, session.ErrWorkerNotFound
		}
		return session.WorkerMeta{}, err
	}
	return doc.toWorkerMeta(), nil
}

func (c *client) ListWorkersBySession(ctx context.Context, sessionID string, statuses []session.WorkerStatus) ([]session.WorkerMeta, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	filter := bson.M{"session_id": sessionID}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.workers.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []session.WorkerMeta
	for cur.Next(ctx) {
		var doc workerDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toWorkerMeta())
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

type sessionDocument struct {
	SessionID   string           `bson:"session_id"`
	WorkflowRef string           `bson:"workflow_ref"`
	Status      session.Status   `bson:"status"`
	StartedAt   time.Time        `bson:"started_at"`
	EndedAt     *time.Time       `bson:"ended_at,omitempty"`
	UpdatedAt   time.Time        `bson:"updated_at"`
	Outcome     string           `bson:"outcome,omitempty"`
	Error       string           `bson:"error,omitempty"`
	Counters    countersDocument `bson:"counters"`
}

type workerDocument struct {
	InvocationID string               `bson:"invocation_id"`
	AgentID      string               `bson:"agent_id"`
	SessionID    string               `bson:"session_id"`
	Status       session.WorkerStatus `bson:"status"`
	StartedAt    time.Time            `bson:"started_at"`
	UpdatedAt    time.Time            `bson:"updated_at"`
	Iterations   int                  `bson:"iterations"`
	Degraded     bool                 `bson:"degraded,omitempty"`
	Summary      string               `bson:"summary,omitempty"`
}

type countersDocument struct {
	AgentInvocations map[string]int `bson:"agent_invocations,omitempty"`
	TotalInvocations int            `bson:"total_invocations,omitempty"`
	ModelCalls       int            `bson:"model_calls,omitempty"`
	Tokens           int            `bson:"tokens,omitempty"`
	ToolCalls        int            `bson:"tool_calls,omitempty"`
}

func fromWorkerMeta(meta session.WorkerMeta) workerDocument {
	return workerDocument{
		InvocationID: meta.InvocationID,
		AgentID:      string(meta.AgentID),
		SessionID:    meta.SessionID,
		Status:       meta.Status,
		StartedAt:    meta.StartedAt.UTC(),
		UpdatedAt:    meta.UpdatedAt.UTC(),
		Iterations:   meta.Iterations,
		Degraded:     meta.Degraded,
		Summary:      meta.Summary,
	}
}

func (doc workerDocument) toWorkerMeta() session.WorkerMeta {
	return session.WorkerMeta{
		InvocationID: doc.InvocationID,
		AgentID:      ensemble.AgentID(doc.AgentID),
		SessionID:    doc.SessionID,
		Status:       doc.Status,
		StartedAt:    doc.StartedAt,
		UpdatedAt:    doc.UpdatedAt,
		Iterations:   doc.Iterations,
		Degraded:     doc.Degraded,
		Summary:      doc.Summary,
	}
}

func (doc sessionDocument) toSession() session.Session {
	var endedAt *time.Time
	if doc.EndedAt != nil {
		at := doc.EndedAt.UTC()
		endedAt = &at
	}
	return session.Session{
		ID:          doc.SessionID,
		WorkflowRef: doc.WorkflowRef,
		Status:      doc.Status,
		StartedAt:   doc.StartedAt.UTC(),
		EndedAt:     endedAt,
		Outcome:     session.Outcome(doc.Outcome),
		Error:       doc.Error,
		Counters:    doc.Counters.toCounters(),
	}
}

func fromCounters(snap governance.CounterSnapshot) countersDocument {
	var agents map[string]int
	if len(snap.AgentInvocations) > 0 {
		agents = make(map[string]int, len(snap.AgentInvocations))
		for id, n := range snap.AgentInvocations {
			agents[string(id)] = n
		}
	}
	return countersDocument{
		AgentInvocations: agents,
		TotalInvocations: snap.TotalInvocations,
		ModelCalls:       snap.ModelCalls,
		Tokens:           snap.Tokens,
		ToolCalls:        snap.ToolCalls,
	}
}

func (doc countersDocument) toCounters() governance.CounterSnapshot {
	var agents map[ensemble.AgentID]int
	if len(doc.AgentInvocations) > 0 {
		agents = make(map[ensemble.AgentID]int, len(doc.AgentInvocations))
		for id, n := range doc.AgentInvocations {
			agents[ensemble.AgentID(id)] = n
		}
	}
	return governance.CounterSnapshot{
		AgentInvocations: agents,
		TotalInvocations: doc.TotalInvocations,
		ModelCalls:       doc.ModelCalls,
		Tokens:           doc.Tokens,
		ToolCalls:        doc.ToolCalls,
	}
}

func ensureIndexes(ctx context.Context, sessionsColl, workersColl collection) error {
	sessionIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := sessionsColl.Indexes().CreateOne(ctx, sessionIndex); err != nil {
		return err
	}
	workerIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "invocation_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := workersColl.Indexes().CreateOne(ctx, workerIndex); err != nil {
		return err
	}
	workerSessionIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}},
	}
	if _, err := workersColl.Indexes().CreateOne(ctx, workerSessionIndex); err != nil {
		return err
	}
	workerSessionStatusIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "status", Value: 1},
		},
	}
	if _, err := workersColl.Indexes().CreateOne(ctx, workerSessionStatusIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, sessionsColl, workersColl collection, timeout time.Duration) (*client, error) {
	if sessionsColl == nil || workersColl == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: sessionsColl,
		workers:  workersColl,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
