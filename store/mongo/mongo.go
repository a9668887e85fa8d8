// Package mongo is a MongoDB implementation of store.RequestStore,
// store.RunStore, and store.BotStore, for durable production deployments.
// It mirrors the in-memory store's semantics field-for-field so the
// scheduler and core packages can be tested against memory and run in
// production against mongo without behavioral drift.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"swarm.dev/core/store"
	"swarm.dev/core/task"
)

// Store is a MongoDB-backed implementation split across three
// collections: requests (request + summary, one document each),
// runs (one document per (request, try) plus its output chunks), and
// bots (presence documents) with a companion bot_events collection.
type Store struct {
	requests *mongo.Collection
	runs     *mongo.Collection
	chunks   *mongo.Collection
	bots     *mongo.Collection
	events   *mongo.Collection
}

var (
	_ store.RequestStore = (*Store)(nil)
	_ store.RunStore     = (*Store)(nil)
	_ store.BotStore     = (*Store)(nil)
)

// New creates a Store backed by the given database's collections. Callers
// are expected to create indexes (on tags, state, modified_ts, and the
// bot_events.bot_id/ts pair) out of band at deployment time.
func New(db *mongo.Database) *Store {
	return &Store{
		requests: db.Collection("requests"),
		runs:     db.Collection("runs"),
		chunks:   db.Collection("output_chunks"),
		bots:     db.Collection("bots"),
		events:   db.Collection("bot_events"),
	}
}

type requestDocument struct {
	ID              int64     `bson:"_id"`
	Command         []string  `bson:"command"`
	Env             map[string]string `bson:"env,omitempty"`
	Dimensions      map[string][]string `bson:"dimensions"`
	CASInputRoot    string    `bson:"cas_input_root,omitempty"`
	HardTimeoutSec  int64     `bson:"hard_timeout_sec"`
	IOTimeoutSec    int64     `bson:"io_timeout_sec"`
	GracePeriodSec  int64     `bson:"grace_period_sec"`
	Idempotent      bool      `bson:"idempotent"`
	SecretBytesRef  string    `bson:"secret_bytes_ref,omitempty"`
	ExpirationAt    time.Time `bson:"expiration_at"`
	Priority        uint8     `bson:"priority"`
	Tags            []string  `bson:"tags"`
	ServiceAccount  string    `bson:"service_account,omitempty"`
	PoolFingerprint string    `bson:"pool_fingerprint,omitempty"`
	PropertiesHash  []byte    `bson:"properties_hash"`
	CreatedTS       time.Time `bson:"created_ts"`

	Summary summaryDocument `bson:"summary"`
}

type summaryDocument struct {
	State         int32      `bson:"state"`
	TryNumber     int        `bson:"try_number"`
	DedupedFrom   *runIDDoc  `bson:"deduped_from,omitempty"`
	CreatedTS     time.Time  `bson:"created_ts"`
	StartedTS     time.Time  `bson:"started_ts,omitempty"`
	CompletedTS   time.Time  `bson:"completed_ts,omitempty"`
	ModifiedTS    time.Time  `bson:"modified_ts"`
	BotID         string     `bson:"bot_id,omitempty"`
	ExitCode      int32      `bson:"exit_code,omitempty"`
	HasExit       bool       `bson:"has_exit"`
	OutputSize    int64      `bson:"output_size"`
	Version       int64      `bson:"version"`
	Killing       bool       `bson:"killing"`
}

type runIDDoc struct {
	RequestID int64 `bson:"request_id"`
	TryNumber int   `bson:"try_number"`
}

func toRequestDoc(req *task.TaskRequest, summary *task.TaskResultSummary) *requestDocument {
	hash := make([]byte, len(req.PropertiesHash))
	copy(hash, req.PropertiesHash[:])
	return &requestDocument{
		ID:              req.ID,
		Command:         req.Properties.Command,
		Env:             req.Properties.Env,
		Dimensions:      map[string][]string(req.Properties.Dimensions),
		CASInputRoot:    req.Properties.CASInputRoot,
		HardTimeoutSec:  int64(req.Properties.HardTimeout.Seconds()),
		IOTimeoutSec:    int64(req.Properties.IOTimeout.Seconds()),
		GracePeriodSec:  int64(req.Properties.GracePeriod.Seconds()),
		Idempotent:      req.Properties.Idempotent,
		SecretBytesRef:  req.Properties.SecretBytesRef,
		ExpirationAt:    req.ExpirationAt,
		Priority:        req.Priority,
		Tags:            req.Tags,
		ServiceAccount:  req.ServiceAccount,
		PoolFingerprint: req.PoolFingerprint,
		PropertiesHash:  hash,
		CreatedTS:       req.CreatedTS,
		Summary:         toSummaryDoc(summary),
	}
}

func toSummaryDoc(s *task.TaskResultSummary) summaryDocument {
	doc := summaryDocument{
		State:       int32(s.State),
		TryNumber:   s.TryNumber,
		CreatedTS:   s.CreatedTS,
		StartedTS:   s.StartedTS,
		CompletedTS: s.CompletedTS,
		ModifiedTS:  s.ModifiedTS,
		BotID:       s.BotID,
		ExitCode:    s.ExitCode,
		HasExit:     s.HasExit,
		OutputSize:  s.OutputSize,
		Version:     s.Version,
		Killing:     s.Killing,
	}
	if s.DedupedFrom != nil {
		doc.DedupedFrom = &runIDDoc{RequestID: s.DedupedFrom.RequestID, TryNumber: s.DedupedFrom.TryNumber}
	}
	return doc
}

func (d *requestDocument) toRequest() *task.TaskRequest {
	var hash [32]byte
	copy(hash[:], d.PropertiesHash)
	return &task.TaskRequest{
		ID: d.ID,
		Properties: task.TaskProperties{
			Command:        d.Command,
			Env:            d.Env,
			Dimensions:     task.Dimensions(d.Dimensions),
			CASInputRoot:   d.CASInputRoot,
			HardTimeout:    time.Duration(d.HardTimeoutSec) * time.Second,
			IOTimeout:      time.Duration(d.IOTimeoutSec) * time.Second,
			GracePeriod:    time.Duration(d.GracePeriodSec) * time.Second,
			Idempotent:     d.Idempotent,
			SecretBytesRef: d.SecretBytesRef,
		},
		ExpirationAt:    d.ExpirationAt,
		Priority:        d.Priority,
		Tags:            d.Tags,
		ServiceAccount:  d.ServiceAccount,
		PoolFingerprint: d.PoolFingerprint,
		PropertiesHash:  hash,
		CreatedTS:       d.CreatedTS,
	}
}

func summaryFromDoc(requestID int64, doc summaryDocument) *task.TaskResultSummary {
	s := &task.TaskResultSummary{
		RequestID:   requestID,
		State:       task.State(doc.State),
		TryNumber:   doc.TryNumber,
		CreatedTS:   doc.CreatedTS,
		StartedTS:   doc.StartedTS,
		CompletedTS: doc.CompletedTS,
		ModifiedTS:  doc.ModifiedTS,
		BotID:       doc.BotID,
		ExitCode:    doc.ExitCode,
		HasExit:     doc.HasExit,
		OutputSize:  doc.OutputSize,
		Version:     doc.Version,
		Killing:     doc.Killing,
	}
	if doc.DedupedFrom != nil {
		s.DedupedFrom = &task.RunID{RequestID: doc.DedupedFrom.RequestID, TryNumber: doc.DedupedFrom.TryNumber}
	}
	return s
}

func (s *Store) CreateRequest(ctx context.Context, req *task.TaskRequest, summary *task.TaskResultSummary) error {
	doc := toRequestDoc(req, summary)
	_, err := s.requests.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return task.Errorf(task.CodeInvalidArgument, "request %d already exists", req.ID)
		}
		return fmt.Errorf("mongo create request %d: %w", req.ID, err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id int64) (*task.TaskRequest, error) {
	var doc requestDocument
	err := s.requests.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo get request %d: %w", id, err)
	}
	return doc.toRequest(), nil
}

func (s *Store) GetSummary(ctx context.Context, id int64) (*task.TaskResultSummary, error) {
	var doc requestDocument
	opts := options.FindOne().SetProjection(bson.M{"summary": 1})
	err := s.requests.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo get summary %d: %w", id, err)
	}
	return summaryFromDoc(id, doc.Summary), nil
}

func (s *Store) SaveSummary(ctx context.Context, summary *task.TaskResultSummary, expectedVersion int64) error {
	next := toSummaryDoc(summary)
	next.Version = expectedVersion + 1
	res, err := s.requests.UpdateOne(ctx,
		bson.M{"_id": summary.RequestID, "summary.version": expectedVersion},
		bson.M{"$set": bson.M{"summary": next}},
	)
	if err != nil {
		return fmt.Errorf("mongo save summary %d: %w", summary.RequestID, err)
	}
	if res.MatchedCount == 0 {
		if err := s.requests.FindOne(ctx, bson.M{"_id": summary.RequestID}).Err(); errors.Is(err, mongo.ErrNoDocuments) {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

func requestQueryFilter(filter store.RequestFilter) bson.M {
	q := bson.M{}
	if len(filter.Tags) > 0 {
		q["tags"] = bson.M{"$all": filter.Tags}
	}
	if filter.State != nil {
		q["summary.state"] = int32(*filter.State)
	}
	sortField := sortFieldName(filter.Sort)
	if !filter.Since.IsZero() || !filter.Until.IsZero() {
		window := bson.M{}
		if !filter.Since.IsZero() {
			window["$gte"] = filter.Since
		}
		if !filter.Until.IsZero() {
			window["$lte"] = filter.Until
		}
		q[sortField] = window
	}
	return q
}

func sortFieldName(key store.SortKey) string {
	switch key {
	case store.SortByModified:
		return "summary.modified_ts"
	case store.SortByCompleted:
		return "summary.completed_ts"
	default:
		return "created_ts"
	}
}

func (s *Store) ListRequests(ctx context.Context, filter store.RequestFilter) (store.Page[*task.TaskRequest], error) {
	q := requestQueryFilter(filter)
	sortField := sortFieldName(filter.Sort)

	if filter.Cursor != "" {
		cursorTS, cursorID, err := store.DecodeCursor(filter.Cursor)
		if err != nil {
			return store.Page[*task.TaskRequest]{}, task.NewError(task.CodeInvalidArgument, "decode cursor", err)
		}
		q["$or"] = []bson.M{
			{sortField: bson.M{"$lt": cursorTS}},
			{sortField: cursorTS, "_id": bson.M{"$gt": cursorID}},
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: sortField, Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit) + 1)

	cursor, err := s.requests.Find(ctx, q, opts)
	if err != nil {
		return store.Page[*task.TaskRequest]{}, fmt.Errorf("mongo list requests: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []requestDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return store.Page[*task.TaskRequest]{}, fmt.Errorf("mongo list requests decode: %w", err)
	}

	next := ""
	if len(docs) > limit {
		last := docs[limit-1]
		next = store.EncodeCursor(sortValueOf(last, filter.Sort), last.ID)
		docs = docs[:limit]
	}

	items := make([]*task.TaskRequest, len(docs))
	for i, d := range docs {
		items[i] = d.toRequest()
	}
	return store.Page[*task.TaskRequest]{Items: items, NextCursor: next}, nil
}

func sortValueOf(d requestDocument, key store.SortKey) time.Time {
	switch key {
	case store.SortByModified:
		return d.Summary.ModifiedTS
	case store.SortByCompleted:
		return d.Summary.CompletedTS
	default:
		return d.CreatedTS
	}
}

func (s *Store) CountRequests(ctx context.Context, filter store.RequestFilter) (int64, error) {
	n, err := s.requests.CountDocuments(ctx, requestQueryFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("mongo count requests: %w", err)
	}
	return n, nil
}

// --- RunStore ---

type runDocument struct {
	ID              runIDDoc  `bson:"_id"`
	BotID           string    `bson:"bot_id"`
	State           int32     `bson:"state"`
	StartedTS       time.Time `bson:"started_ts,omitempty"`
	ModifiedTS      time.Time `bson:"modified_ts"`
	CompletedTS     time.Time `bson:"completed_ts,omitempty"`
	ExitCode        int32     `bson:"exit_code,omitempty"`
	HasExit         bool      `bson:"has_exit"`
	CostUSD         float64   `bson:"cost_usd"`
	HardTimeoutFlag bool      `bson:"hard_timeout_flag"`
	IOTimeoutFlag   bool      `bson:"io_timeout_flag"`
	OutputSize      int64     `bson:"output_size"`
	Version         int64     `bson:"version"`
}

func toRunDoc(r *task.TaskRunResult) *runDocument {
	return &runDocument{
		ID:              runIDDoc{RequestID: r.RequestID, TryNumber: r.TryNumber},
		BotID:           r.BotID,
		State:           int32(r.State),
		StartedTS:       r.StartedTS,
		ModifiedTS:      r.ModifiedTS,
		CompletedTS:     r.CompletedTS,
		ExitCode:        r.ExitCode,
		HasExit:         r.HasExit,
		CostUSD:         r.CostUSD,
		HardTimeoutFlag: r.HardTimeoutFlag,
		IOTimeoutFlag:   r.IOTimeoutFlag,
		OutputSize:      r.OutputSize,
		Version:         r.Version,
	}
}

func (d *runDocument) toRun() *task.TaskRunResult {
	return &task.TaskRunResult{
		RequestID:       d.ID.RequestID,
		TryNumber:       d.ID.TryNumber,
		BotID:           d.BotID,
		State:           task.State(d.State),
		StartedTS:       d.StartedTS,
		ModifiedTS:      d.ModifiedTS,
		CompletedTS:     d.CompletedTS,
		ExitCode:        d.ExitCode,
		HasExit:         d.HasExit,
		CostUSD:         d.CostUSD,
		HardTimeoutFlag: d.HardTimeoutFlag,
		IOTimeoutFlag:   d.IOTimeoutFlag,
		OutputSize:      d.OutputSize,
		Version:         d.Version,
	}
}

func (s *Store) CreateRun(ctx context.Context, run *task.TaskRunResult) error {
	_, err := s.runs.InsertOne(ctx, toRunDoc(run))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return task.Errorf(task.CodeInvalidArgument, "run %d/%d already exists", run.RequestID, run.TryNumber)
		}
		return fmt.Errorf("mongo create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id task.RunID) (*task.TaskRunResult, error) {
	var doc runDocument
	err := s.runs.FindOne(ctx, bson.M{"_id": runIDDoc{RequestID: id.RequestID, TryNumber: id.TryNumber}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo get run: %w", err)
	}
	return doc.toRun(), nil
}

func (s *Store) SaveRun(ctx context.Context, run *task.TaskRunResult, expectedVersion int64) error {
	next := toRunDoc(run)
	next.Version = expectedVersion + 1
	id := runIDDoc{RequestID: run.RequestID, TryNumber: run.TryNumber}
	res, err := s.runs.ReplaceOne(ctx, bson.M{"_id": id, "version": expectedVersion}, next)
	if err != nil {
		return fmt.Errorf("mongo save run: %w", err)
	}
	if res.MatchedCount == 0 {
		if err := s.runs.FindOne(ctx, bson.M{"_id": id}).Err(); errors.Is(err, mongo.ErrNoDocuments) {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

type chunkDocument struct {
	RequestID int64  `bson:"request_id"`
	TryNumber int    `bson:"try_number"`
	Offset    int64  `bson:"offset"`
	Data      []byte `bson:"data"`
}

// AppendOutputChunk atomically checks-and-bumps the run's output_size field
// (the conditional filter on the current size makes the append a
// compare-and-swap), then inserts the chunk document. A retransmit of
// already-persisted bytes at an earlier offset is accepted as a no-op if
// it matches what's stored; anything else is rejected.
func (s *Store) AppendOutputChunk(ctx context.Context, id task.RunID, offset int64, data []byte) error {
	runFilter := bson.M{"_id": runIDDoc{RequestID: id.RequestID, TryNumber: id.TryNumber}, "output_size": offset}
	res, err := s.runs.UpdateOne(ctx, runFilter, bson.M{"$set": bson.M{"output_size": offset + int64(len(data))}})
	if err != nil {
		return fmt.Errorf("mongo append chunk: %w", err)
	}
	if res.MatchedCount == 1 {
		_, err := s.chunks.InsertOne(ctx, &chunkDocument{RequestID: id.RequestID, TryNumber: id.TryNumber, Offset: offset, Data: data})
		if err != nil {
			return fmt.Errorf("mongo insert chunk: %w", err)
		}
		return nil
	}

	var run runDocument
	if err := s.runs.FindOne(ctx, bson.M{"_id": runIDDoc{RequestID: id.RequestID, TryNumber: id.TryNumber}}).Decode(&run); err != nil {
		return fmt.Errorf("mongo append chunk: read current size: %w", err)
	}
	if offset+int64(len(data)) > run.OutputSize {
		return &store.OutputChunkRejected{RunID: id, Offset: offset, CurrentSize: run.OutputSize}
	}
	existing, err := s.readChunkRange(ctx, id, offset, int64(len(data)))
	if err != nil {
		return fmt.Errorf("mongo append chunk: verify replay: %w", err)
	}
	if string(existing) != string(data) {
		return &store.OutputChunkRejected{RunID: id, Offset: offset, CurrentSize: run.OutputSize}
	}
	return nil
}

func (s *Store) readChunkRange(ctx context.Context, id task.RunID, offset, length int64) ([]byte, error) {
	all, err := s.ReadOutput(ctx, id)
	if err != nil {
		return nil, err
	}
	end := offset + length
	if end > int64(len(all)) {
		end = int64(len(all))
	}
	if offset > int64(len(all)) {
		offset = int64(len(all))
	}
	return all[offset:end], nil
}

func (s *Store) ReadOutput(ctx context.Context, id task.RunID) ([]byte, error) {
	opts := options.Find().SetSort(bson.D{{Key: "offset", Value: 1}})
	cursor, err := s.chunks.Find(ctx, bson.M{"request_id": id.RequestID, "try_number": id.TryNumber}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo read output: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []byte
	for cursor.Next(ctx) {
		var doc chunkDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo read output decode: %w", err)
		}
		out = append(out, doc.Data...)
	}
	return out, cursor.Err()
}

// --- BotStore ---

type botDocument struct {
	BotID            string          `bson:"_id"`
	DimensionsFlat   []string        `bson:"dimensions_flat"`
	State            bson.Raw        `bson:"state,omitempty"`
	ExternalIP       string          `bson:"external_ip,omitempty"`
	AuthenticatedAs  string          `bson:"authenticated_as,omitempty"`
	Version          string          `bson:"version,omitempty"`
	Quarantined      bool            `bson:"quarantined"`
	QuarantineReason string          `bson:"quarantine_reason,omitempty"`
	LastSeenTS       time.Time       `bson:"last_seen_ts"`
	CurrentTaskID    int64           `bson:"current_task_id,omitempty"`
	MachineType      string          `bson:"machine_type,omitempty"`
	Deleted          bool            `bson:"deleted"`
}

func toBotDoc(b *task.BotInfo) *botDocument {
	return &botDocument{
		BotID:            b.BotID,
		DimensionsFlat:   b.DimensionsFlat,
		State:            bson.Raw(b.State),
		ExternalIP:       b.ExternalIP,
		AuthenticatedAs:  b.AuthenticatedAs,
		Version:          b.Version,
		Quarantined:      b.Quarantined,
		QuarantineReason: b.QuarantineReason,
		LastSeenTS:       b.LastSeenTS,
		CurrentTaskID:    b.CurrentTaskID,
		MachineType:      b.MachineType,
		Deleted:          b.Deleted,
	}
}

func (d *botDocument) toBot() *task.BotInfo {
	return &task.BotInfo{
		BotID:            d.BotID,
		DimensionsFlat:   d.DimensionsFlat,
		State:            []byte(d.State),
		ExternalIP:       d.ExternalIP,
		AuthenticatedAs:  d.AuthenticatedAs,
		Version:          d.Version,
		Quarantined:      d.Quarantined,
		QuarantineReason: d.QuarantineReason,
		LastSeenTS:       d.LastSeenTS,
		CurrentTaskID:    d.CurrentTaskID,
		MachineType:      d.MachineType,
		Deleted:          d.Deleted,
	}
}

func (s *Store) SaveBot(ctx context.Context, bot *task.BotInfo) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.bots.ReplaceOne(ctx, bson.M{"_id": bot.BotID}, toBotDoc(bot), opts)
	if err != nil {
		return fmt.Errorf("mongo save bot %q: %w", bot.BotID, err)
	}
	return nil
}

func (s *Store) GetBot(ctx context.Context, botID string) (*task.BotInfo, error) {
	var doc botDocument
	err := s.bots.FindOne(ctx, bson.M{"_id": botID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("mongo get bot %q: %w", botID, err)
	}
	return doc.toBot(), nil
}

func (s *Store) DeleteBot(ctx context.Context, botID string) error {
	res, err := s.bots.DeleteOne(ctx, bson.M{"_id": botID})
	if err != nil {
		return fmt.Errorf("mongo delete bot %q: %w", botID, err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListBots(ctx context.Context, filter store.BotFilter) (store.Page[*task.BotInfo], error) {
	q := bson.M{}
	if len(filter.Dimensions) > 0 {
		var want []string
		for k, vs := range filter.Dimensions {
			for _, v := range vs {
				want = append(want, k+":"+v)
			}
		}
		q["dimensions_flat"] = bson.M{"$all": want}
	}
	if filter.Quarantined != nil {
		q["quarantined"] = *filter.Quarantined
	}
	if filter.Cursor != "" {
		_, afterID, err := store.DecodeCursor(filter.Cursor)
		if err != nil {
			return store.Page[*task.BotInfo]{}, task.NewError(task.CodeInvalidArgument, "decode cursor", err)
		}
		q["_id"] = bson.M{"$gt": fmt.Sprintf("%d", afterID)}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit) + 1)
	cursor, err := s.bots.Find(ctx, q, opts)
	if err != nil {
		return store.Page[*task.BotInfo]{}, fmt.Errorf("mongo list bots: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []botDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return store.Page[*task.BotInfo]{}, fmt.Errorf("mongo list bots decode: %w", err)
	}

	next := ""
	if len(docs) > limit {
		docs = docs[:limit]
		next = store.EncodeCursor(time.Time{}, 0)
	}
	items := make([]*task.BotInfo, len(docs))
	for i, d := range docs {
		items[i] = d.toBot()
	}
	return store.Page[*task.BotInfo]{Items: items, NextCursor: next}, nil
}

func (s *Store) CountBots(ctx context.Context, filter store.BotFilter) (store.BotFacetCounts, error) {
	page, err := s.ListBots(ctx, store.BotFilter{Dimensions: filter.Dimensions, Quarantined: filter.Quarantined, Limit: 1 << 30})
	if err != nil {
		return store.BotFacetCounts{}, err
	}
	var counts store.BotFacetCounts
	for _, b := range page.Items {
		counts.Total++
		if b.Quarantined {
			counts.Quarantined++
		}
		if b.CurrentTaskID != 0 {
			counts.Busy++
		}
		if b.MachineType != "" {
			counts.Leased++
		}
	}
	return counts, nil
}

type eventDocument struct {
	BotID   string    `bson:"bot_id"`
	TS      time.Time `bson:"ts"`
	Kind    string    `bson:"kind"`
	TaskID  int64     `bson:"task_id,omitempty"`
	Message string    `bson:"message,omitempty"`
}

func (s *Store) AppendEvent(ctx context.Context, ev task.BotEvent) error {
	_, err := s.events.InsertOne(ctx, &eventDocument{
		BotID: ev.BotID, TS: ev.TS, Kind: string(ev.Kind), TaskID: ev.TaskID, Message: ev.Message,
	})
	if err != nil {
		return fmt.Errorf("mongo append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, botID string, limit int) ([]task.BotEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.events.Find(ctx, bson.M{"bot_id": botID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo list events: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo list events decode: %w", err)
	}
	events := make([]task.BotEvent, len(docs))
	for i := range docs {
		d := docs[len(docs)-1-i] // reverse back to ascending ts
		events[i] = task.BotEvent{BotID: d.BotID, TS: d.TS, Kind: task.BotEventKind(d.Kind), TaskID: d.TaskID, Message: d.Message}
	}
	return events, nil
}
