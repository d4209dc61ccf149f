package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	qd "github.com/qdrant/go-client/qdrant"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/metrics"
)

// Qdrant point ids must be UUIDs, so record ids are mapped through a name-based UUID.
var pointNamespace = uuid.MustParse("8f6f0b4e-8e4f-4a5e-9a53-6d1c8f2f7b10")

const (
	payloadRecordID = "record_id"
	payloadContent  = "content"
)

type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int
	HNSW       HNSWParams
}

// QdrantIndex stores records as points in a cosine collection.
type QdrantIndex struct {
	client     *qd.Client
	collection string
	hnsw       HNSWParams
	dimension  int
}

func NewQdrantIndex(ctx context.Context, cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("qdrant: dimension must be positive, got %d", cfg.Dimension)
	}
	client, err := qd.NewClient(&qd.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, unavailable("qdrant", "connect", err)
	}
	idx := &QdrantIndex{client: client, collection: cfg.Collection, hnsw: cfg.HNSW.withDefaults(), dimension: cfg.Dimension}
	if err := idx.ensureCollection(ctx, uint64(cfg.Dimension)); err != nil {
		client.Close()
		return nil, err
	}
	return idx, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, dim uint64) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return unavailable("qdrant", "collection exists", err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qd.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qd.NewVectorsConfig(&qd.VectorParams{
			Size:     dim,
			Distance: qd.Distance_Cosine,
		}),
		HnswConfig: &qd.HnswConfigDiff{
			M:           qd.PtrOf(uint64(q.hnsw.M)),
			EfConstruct: qd.PtrOf(uint64(q.hnsw.EfConstruction)),
		},
	})
	if err != nil {
		return unavailable("qdrant", "create collection", err)
	}
	_, err = q.client.CreateFieldIndex(ctx, &qd.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "document_id",
		FieldType:      qd.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return unavailable("qdrant", "create payload index", err)
	}
	return nil
}

func pointID(recordID string) *qd.PointId {
	return qd.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(recordID)).String())
}

func (q *QdrantIndex) Upsert(ctx context.Context, records []Record) (n int, err error) {
	defer func() { metrics.ObserveIndex("qdrant", "upsert", err) }()
	if len(records) == 0 {
		return 0, nil
	}
	if err := validateRecords(records); err != nil {
		return 0, err
	}
	if got := len(records[0].Vector); got != q.dimension {
		return 0, fmt.Errorf("%w: qdrant collection holds %d dimensions, got %d", ErrDimensionMismatch, q.dimension, got)
	}

	points := make([]*qd.PointStruct, 0, len(records))
	for _, r := range records {
		points = append(points, &qd.PointStruct{
			Id:      pointID(r.ID),
			Vectors: qd.NewVectors(r.Vector...),
			Payload: buildPayload(r),
		})
	}
	wait := true
	if _, err := q.client.Upsert(ctx, &qd.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return 0, unavailable("qdrant", "upsert", err)
	}
	return len(records), nil
}

func (q *QdrantIndex) Query(ctx context.Context, vector []float32, topN int) (out []Candidate, err error) {
	defer func() { metrics.ObserveIndex("qdrant", "query", err) }()
	if topN <= 0 {
		return []Candidate{}, nil
	}
	if len(vector) != q.dimension {
		return nil, fmt.Errorf("%w: qdrant collection holds %d dimensions, query has %d", ErrDimensionMismatch, q.dimension, len(vector))
	}
	limit := uint64(topN)
	points, err := q.client.Query(ctx, &qd.QueryPoints{
		CollectionName: q.collection,
		Query:          qd.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qd.NewWithPayload(true),
		Params: &qd.SearchParams{
			HnswEf: qd.PtrOf(uint64(q.hnsw.EfSearch)),
		},
	})
	if err != nil {
		return nil, unavailable("qdrant", "query", err)
	}

	out = make([]Candidate, 0, len(points))
	for i, p := range points {
		c := Candidate{Score: float64(p.GetScore()), Rank: i}
		c.Metadata = make(map[string]any)
		for k, v := range p.GetPayload() {
			switch k {
			case payloadRecordID:
				c.ID = v.GetStringValue()
			case payloadContent:
				c.Text = v.GetStringValue()
			default:
				if val, ok := fromValue(v); ok {
					c.Metadata[k] = val
				}
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (q *QdrantIndex) DeleteDocument(ctx context.Context, documentID string) (n int, err error) {
	defer func() { metrics.ObserveIndex("qdrant", "delete", err) }()
	filter := &qd.Filter{Must: []*qd.Condition{qd.NewMatch("document_id", documentID)}}

	count, err := q.client.Count(ctx, &qd.CountPoints{
		CollectionName: q.collection,
		Filter:         filter,
		Exact:          qd.PtrOf(true),
	})
	if err != nil {
		return 0, unavailable("qdrant", "count", err)
	}
	wait := true
	if _, err := q.client.Delete(ctx, &qd.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         qd.NewPointsSelectorFilter(filter),
	}); err != nil {
		return 0, unavailable("qdrant", "delete", err)
	}
	return int(count), nil
}

func (q *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return unavailable("qdrant", "health", err)
	}
	return nil
}

func (q *QdrantIndex) Close() { q.client.Close() }

func buildPayload(r Record) map[string]*qd.Value {
	payload := make(map[string]*qd.Value, len(r.Metadata)+2)
	payload[payloadRecordID] = qd.NewValueString(r.ID)
	payload[payloadContent] = qd.NewValueString(r.Text)
	for key, value := range r.Metadata {
		switch v := value.(type) {
		case string:
			payload[key] = qd.NewValueString(v)
		case int:
			payload[key] = qd.NewValueInt(int64(v))
		case int64:
			payload[key] = qd.NewValueInt(v)
		case float64:
			payload[key] = qd.NewValueDouble(v)
		case bool:
			payload[key] = qd.NewValueBool(v)
		default:
			payload[key] = qd.NewValueString(fmt.Sprintf("%v", v))
		}
	}
	return payload
}

func fromValue(v *qd.Value) (any, bool) {
	switch k := v.GetKind().(type) {
	case *qd.Value_StringValue:
		return k.StringValue, true
	case *qd.Value_IntegerValue:
		return k.IntegerValue, true
	case *qd.Value_DoubleValue:
		return k.DoubleValue, true
	case *qd.Value_BoolValue:
		return k.BoolValue, true
	default:
		return nil, false
	}
}
