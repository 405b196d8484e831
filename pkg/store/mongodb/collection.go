package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nimburion/docservice/pkg/connection"
	"github.com/nimburion/docservice/pkg/observability/tracing"
	"github.com/nimburion/docservice/pkg/repository/document"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/trace"
)

// Collection implements document.Collection over a MongoDB collection.
// It must be bound to a Session before use; rebinding after a reconnect swaps the handle atomically.
type Collection struct {
	name  string
	bound atomic.Pointer[binding]
}

type binding struct {
	coll     *mongo.Collection
	session  *Session
	database string
	timeout  time.Duration
}

var (
	_ document.Collection = (*Collection)(nil)
	_ document.Indexer    = (*Collection)(nil)
)

// NewCollection returns an unbound collection handle.
func NewCollection(name string) *Collection {
	return &Collection{name: name}
}

// Bind attaches the collection to a MongoDB session.
func (c *Collection) Bind(s connection.Session) error {
	ms, ok := s.(*Session)
	if !ok {
		return fmt.Errorf("mongodb collection cannot bind to %T", s)
	}
	c.bound.Store(&binding{
		coll:     ms.Database().Collection(c.name),
		session:  ms,
		database: ms.cfg.Database,
		timeout:  ms.cfg.OperationTimeout,
	})
	return nil
}

// Name implements document.Collection.
func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) binding() (*binding, error) {
	b := c.bound.Load()
	if b == nil {
		return nil, document.ErrNotConnected
	}
	return b, nil
}

func (b *binding) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *binding) startSpan(ctx context.Context, op tracing.SpanOperation, statement string) (context.Context, trace.Span) {
	return tracing.StartDatabaseSpan(ctx, op,
		tracing.WithDBSystem("mongodb"),
		tracing.WithDBName(b.database),
		tracing.WithDBTable(b.coll.Name()),
		tracing.WithDBStatement(statement),
	)
}

// end finishes an operation span. Timeouts are reported to the session's error observer.
func (b *binding) end(span trace.Span, err error) {
	tracing.End(span, err)
	if err != nil && b.session != nil {
		b.session.reportTimeout(err)
	}
}

// castID converts an identifier to the collection's ObjectID type.
func castID(id interface{}) (primitive.ObjectID, error) {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v, nil
	case string:
		oid, err := primitive.ObjectIDFromHex(v)
		if err != nil {
			return primitive.NilObjectID, fmt.Errorf("%w: %q", document.ErrInvalidID, v)
		}
		return oid, nil
	default:
		return primitive.NilObjectID, fmt.Errorf("%w: %v (%T)", document.ErrInvalidID, id, id)
	}
}

// sortDocument converts parsed sort fields into an ordered bson.D.
func sortDocument(fields []document.Sort) bson.D {
	if len(fields) == 0 {
		return nil
	}
	d := make(bson.D, 0, len(fields))
	for _, f := range fields {
		dir := 1
		if f.Order == document.SortDesc {
			dir = -1
		}
		d = append(d, bson.E{Key: f.Field, Value: dir})
	}
	return d
}

func filterDocument(f document.Filter) bson.M {
	if len(f) == 0 {
		return bson.M{}
	}
	return bson.M(f)
}

// FindOptions builds driver find options from q.
func FindOptions(q *document.Query) *options.FindOptions {
	opts := options.Find()
	if sort := sortDocument(q.SortFields()); sort != nil {
		opts.SetSort(sort)
	}
	if skip, ok := q.SkipValue(); ok {
		opts.SetSkip(skip)
	}
	if limit, ok := q.LimitValue(); ok {
		opts.SetLimit(limit)
	}
	return opts
}

// Find implements document.Collection.
func (c *Collection) Find(ctx context.Context, q *document.Query) (out []document.Document, err error) {
	b, err := c.binding()
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = document.NewQuery(nil)
	}
	ctx, span := b.startSpan(ctx, tracing.SpanOperationDBQuery, "find")
	defer func() { b.end(span, err) }()
	opCtx, cancel := b.withOperationTimeout(ctx)
	defer cancel()

	cur, err := b.coll.Find(opCtx, filterDocument(q.Filter()), FindOptions(q))
	if err != nil {
		return nil, err
	}
	var rows []bson.M
	if err := cur.All(opCtx, &rows); err != nil {
		return nil, err
	}
	out = make([]document.Document, len(rows))
	for i, r := range rows {
		out[i] = document.Plain(map[string]interface{}(r))
	}
	return out, nil
}

// Count implements document.Collection.
func (c *Collection) Count(ctx context.Context, filter document.Filter) (n int64, err error) {
	b, err := c.binding()
	if err != nil {
		return 0, err
	}
	ctx, span := b.startSpan(ctx, tracing.SpanOperationDBQuery, "countDocuments")
	defer func() { b.end(span, err) }()
	opCtx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	return b.coll.CountDocuments(opCtx, filterDocument(filter))
}

// Insert implements document.Collection. The _id is assigned client-side when missing,
// so the returned document is exactly what was stored.
func (c *Collection) Insert(ctx context.Context, entity map[string]interface{}) (doc document.Document, err error) {
	b, err := c.binding()
	if err != nil {
		return document.Document{}, err
	}
	ctx, span := b.startSpan(ctx, tracing.SpanOperationDBInsert, "insertOne")
	defer func() { b.end(span, err) }()

	toStore := make(bson.M, len(entity)+1)
	for k, v := range entity {
		toStore[k] = v
	}
	if id, ok := toStore["_id"]; !ok || id == nil {
		toStore["_id"] = primitive.NewObjectID()
	} else if s, ok := id.(string); ok {
		if oid, err := primitive.ObjectIDFromHex(s); err == nil {
			toStore["_id"] = oid
		}
	}
	raw, err := bson.Marshal(toStore)
	if err != nil {
		return document.Document{}, fmt.Errorf("encode entity: %w", err)
	}

	opCtx, cancel := b.withOperationTimeout(ctx)
	defer cancel()
	if _, err := b.coll.InsertOne(opCtx, raw); err != nil {
		return document.Document{}, wrapWriteError(err)
	}
	return document.Raw(raw), nil
}

// FindByID implements document.Collection.
func (c *Collection) FindByID(ctx context.Context, id interface{}) (doc document.Document, found bool, err error) {
	b, err := c.binding()
	if err != nil {
		return document.Document{}, false, err
	}
	oid, err := castID(id)
	if err != nil {
		return document.Document{}, false, err
	}
	ctx, span := b.startSpan(ctx, tracing.SpanOperationDBQuery, "findOne")
	defer func() { b.end(span, err) }()
	opCtx, cancel := b.withOperationTimeout(ctx)
	defer cancel()

	var m bson.M
	err = b.coll.FindOne(opCtx, bson.M{"_id": oid}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return document.Document{}, false, nil
	}
	if err != nil {
		return document.Document{}, false, err
	}
	return document.Plain(map[string]interface{}(m)), true, nil
}

// FindByIDAndUpdate implements document.Collection. Plain patches are wrapped in $set.
func (c *Collection) FindByIDAndUpdate(ctx context.Context, id interface{}, update map[string]interface{}) (doc document.Document, found bool, err error) {
	b, err := c.binding()
	if err != nil {
		return document.Document{}, false, err
	}
	oid, err := castID(id)
	if err != nil {
		return document.Document{}, false, err
	}
	ctx, span := b.startSpan(ctx, tracing.SpanOperationDBUpdate, "findOneAndUpdate")
	defer func() { b.end(span, err) }()
	opCtx, cancel := b.withOperationTimeout(ctx)
	defer cancel()

	res := b.coll.FindOneAndUpdate(opCtx, bson.M{"_id": oid}, document.NormalizeUpdate(update),
		options.FindOneAndUpdate().SetReturnDocument(options.After))
	raw, err := res.Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return document.Document{}, false, nil
	}
	if err != nil {
		return document.Document{}, false, wrapWriteError(err)
	}
	return document.Raw(raw), true, nil
}

// wrapWriteError tags unique index violations with document.ErrDuplicateKey.
func wrapWriteError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", document.ErrDuplicateKey, err)
	}
	return err
}

// FindByIDAndRemove implements document.Collection. A missing document is not an error.
func (c *Collection) FindByIDAndRemove(ctx context.Context, id interface{}) (err error) {
	b, err := c.binding()
	if err != nil {
		return err
	}
	oid, err := castID(id)
	if err != nil {
		return err
	}
	ctx, span := b.startSpan(ctx, tracing.SpanOperationDBDelete, "findOneAndDelete")
	defer func() { b.end(span, err) }()
	opCtx, cancel := b.withOperationTimeout(ctx)
	defer cancel()

	err = b.coll.FindOneAndDelete(opCtx, bson.M{"_id": oid}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		err = nil
	}
	return err
}

// RemoveAll implements document.Collection.
func (c *Collection) RemoveAll(ctx context.Context) (err error) {
	b, err := c.binding()
	if err != nil {
		return err
	}
	ctx, span := b.startSpan(ctx, tracing.SpanOperationDBDelete, "deleteMany")
	defer func() { b.end(span, err) }()
	opCtx, cancel := b.withOperationTimeout(ctx)
	defer cancel()

	_, err = b.coll.DeleteMany(opCtx, bson.D{})
	return err
}

// EnsureIndex implements document.Indexer.
func (c *Collection) EnsureIndex(ctx context.Context, spec string, unique bool) (err error) {
	keys := sortDocument(document.ParseSortSpec(spec))
	if len(keys) == 0 {
		return fmt.Errorf("index spec %q has no fields", spec)
	}
	b, err := c.binding()
	if err != nil {
		return err
	}
	ctx, span := b.startSpan(ctx, tracing.SpanOperationDBUpdate, "createIndex")
	defer func() { b.end(span, err) }()
	opCtx, cancel := b.withOperationTimeout(ctx)
	defer cancel()

	_, err = b.coll.Indexes().CreateOne(opCtx, mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetUnique(unique),
	})
	return err
}
