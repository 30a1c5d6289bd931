package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/KohlJary/statebus/internal/query"
)

// Record is one indexed capability: metadata describing a metric, never the
// metric's value. The registry is a discovery index, not a data cache.
type Record struct {
	SourceID        string
	MetricName      string
	Description     string
	SemanticSummary string
	DataType        query.DataType
	Tags            []string

	// Embedding is set on upsert; scroll results leave it empty.
	Embedding []float32
}

// Key is the composite identifier a record is indexed under.
func (r Record) Key() string {
	return r.SourceID + ":" + r.MetricName
}

// Scored pairs a record with its raw vector distance (0 = identical).
type Scored struct {
	Record
	Distance float64
}

// Index is the embedding-backed capability index. Implementations must be
// safe for concurrent use.
type Index interface {
	// Ensure creates the backing collection if missing. Idempotent.
	Ensure(ctx context.Context) error

	// Upsert writes records keyed by "{source_id}:{metric_name}";
	// re-upserting the same key replaces the prior entry.
	Upsert(ctx context.Context, records []Record) error

	// Query returns the nearest records to the embedding, ordered by
	// ascending distance, optionally restricted to one source.
	Query(ctx context.Context, embedding []float32, limit int, sourceFilter string) ([]Scored, error)

	// Scroll returns every indexed record (without embeddings).
	Scroll(ctx context.Context) ([]Record, error)

	// CountBySource returns how many records a source has indexed.
	CountBySource(ctx context.Context, sourceID string) (int, error)

	// DeleteBySource removes every record whose source_id matches.
	DeleteBySource(ctx context.Context, sourceID string) error

	// Healthy returns nil if the index backend is reachable.
	Healthy(ctx context.Context) error

	Close() error
}

// capabilityNamespace seeds deterministic point IDs: the same
// source:metric key always maps to the same UUID, which is what gives
// re-registration its upsert semantics.
var capabilityNamespace = uuid.MustParse("7b1a9c52-40de-4b3e-9df0-5a1f2f6f0c11")

func pointID(key string) uuid.UUID {
	return uuid.NewSHA1(capabilityNamespace, []byte(key))
}

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements Index backed by a Qdrant collection, one collection
// per daemon.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("registry: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("registry: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex creates a QdrantIndex and connects via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// Ensure creates the collection if it doesn't already exist and ensures the
// source_id payload index is present. CreateFieldIndex is idempotent on
// Qdrant, so it is always attempted to backfill indexes added after the
// collection was first created.
func (q *QdrantIndex) Ensure(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("registry: check collection exists: %w", err)
	}

	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("registry: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created capability collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "source_id",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("registry: ensure index on source_id: %w", err)
	}
	return nil
}

// Upsert writes capability records. Point IDs are derived deterministically
// from "{source_id}:{metric_name}" so repeated registration replaces rather
// than duplicates.
func (q *QdrantIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		payload := map[string]any{
			"source_id":   r.SourceID,
			"metric_name": r.MetricName,
			"description": r.Description,
			"data_type":   string(r.DataType),
		}
		if r.SemanticSummary != "" {
			payload["semantic_summary"] = r.SemanticSummary
		}
		if len(r.Tags) > 0 {
			payload["tags"] = strings.Join(r.Tags, ",")
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(r.Key()).String()),
			Vectors: qdrant.NewVectorsDense(r.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("registry: qdrant upsert %d capabilities: %w", len(records), err)
	}
	return nil
}

// Query returns the nearest capabilities by cosine distance. sourceFilter,
// when non-empty, is applied at the index level; tag filtering happens in
// the registry because the payload stores tags as one comma-joined keyword.
func (q *QdrantIndex) Query(ctx context.Context, embedding []float32, limit int, sourceFilter string) ([]Scored, error) {
	if limit <= 0 {
		limit = 10
	}

	var filter *qdrant.Filter
	if sourceFilter != "" {
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("source_id", sourceFilter)},
		}
	}

	fetchLimit := uint64(limit) //nolint:gosec // limit is bounded by caller
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         filter,
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: qdrant query: %w", err)
	}

	results := make([]Scored, 0, len(scored))
	for _, sp := range scored {
		rec := recordFromPayload(sp.Payload)
		if rec.SourceID == "" || rec.MetricName == "" {
			q.logger.Warn("qdrant: capability point missing identity payload", "id", sp.Id.GetUuid())
			continue
		}
		// Cosine similarity s in [-1, 1] maps to distance 1-s.
		results = append(results, Scored{
			Record:   rec,
			Distance: 1 - float64(sp.Score),
		})
	}
	return results, nil
}

// Scroll pages through the whole collection.
func (q *QdrantIndex) Scroll(ctx context.Context) ([]Record, error) {
	var records []Record
	var offset *qdrant.PointId

	for {
		limit := uint32(256)
		points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("registry: qdrant scroll: %w", err)
		}
		if len(points) == 0 {
			break
		}
		for _, p := range points {
			rec := recordFromPayload(p.Payload)
			if rec.SourceID != "" {
				records = append(records, rec)
			}
		}
		if len(points) < int(limit) {
			break
		}
		offset = points[len(points)-1].Id
	}
	return records, nil
}

// CountBySource counts indexed capabilities for one source.
func (q *QdrantIndex) CountBySource(ctx context.Context, sourceID string) (int, error) {
	count, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("source_id", sourceID)},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("registry: qdrant count for %q: %w", sourceID, err)
	}
	return int(count), nil //nolint:gosec
}

// DeleteBySource removes all capabilities for a source.
func (q *QdrantIndex) DeleteBySource(ctx context.Context, sourceID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{qdrant.NewMatch("source_id", sourceID)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("registry: qdrant delete by source %q: %w", sourceID, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds; concurrent checks after expiry are deduplicated via singleflight.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context — if that caller
	// cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("registry: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func recordFromPayload(payload map[string]*qdrant.Value) Record {
	rec := Record{
		SourceID:        payload["source_id"].GetStringValue(),
		MetricName:      payload["metric_name"].GetStringValue(),
		Description:     payload["description"].GetStringValue(),
		SemanticSummary: payload["semantic_summary"].GetStringValue(),
		DataType:        query.DataType(payload["data_type"].GetStringValue()),
	}
	if tags := payload["tags"].GetStringValue(); tags != "" {
		rec.Tags = strings.Split(tags, ",")
	}
	return rec
}
