package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	DefaultMongoDatabase   = "care"
	DefaultMongoCollection = "intake_audit"
)

type mongoVitals struct {
	TemperatureC float64 `bson:"temperatureC"`
	HeartRateBPM float64 `bson:"heartRateBpm"`
	SystolicBP   float64 `bson:"systolicBpMmHg"`
	DiastolicBP  float64 `bson:"diastolicBpMmHg"`
}

type mongoRecord struct {
	ID             string      `bson:"_id"`
	PatientID      string      `bson:"patientId"`
	Symptoms       []string    `bson:"symptoms"`
	Vitals         mongoVitals `bson:"vitals"`
	Tone           string      `bson:"tone"`
	TriageLevel    string      `bson:"triageLevel"`
	SuggestedTests []string    `bson:"suggestedTests"`
	Summary        string      `bson:"summary"`
	PlannerPath    string      `bson:"plannerPath"`
	CreatedAt      time.Time   `bson:"createdAt"`
}

func toMongo(r Record) mongoRecord {
	return mongoRecord{
		ID:        r.ID.String(),
		PatientID: r.PatientID.String(),
		Symptoms:  r.Symptoms,
		Vitals: mongoVitals{
			TemperatureC: r.Vitals.TemperatureC,
			HeartRateBPM: r.Vitals.HeartRateBPM,
			SystolicBP:   r.Vitals.SystolicBP,
			DiastolicBP:  r.Vitals.DiastolicBP,
		},
		Tone:           string(r.Tone),
		TriageLevel:    string(r.TriageLevel),
		SuggestedTests: r.SuggestedTests,
		Summary:        r.Summary,
		PlannerPath:    string(r.PlannerPath),
		CreatedAt:      r.CreatedAt,
	}
}

// MongoRecorder appends to a MongoDB collection. Documents are keyed by the
// record ID so a replayed append fails on the duplicate key.
type MongoRecorder struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoRecorder connects lazily; the driver selects a server on first use
// and gives up after two seconds.
func NewMongoRecorder(ctx context.Context, uri, database, collection string, logger *zap.Logger) (*MongoRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if database == "" {
		database = DefaultMongoDatabase
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(2 * time.Second).
		SetConnectTimeout(2 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &MongoRecorder{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger,
	}, nil
}

func (m *MongoRecorder) Append(ctx context.Context, r Record) error {
	if _, err := m.collection.InsertOne(ctx, toMongo(r)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAppendOnly
		}
		return fmt.Errorf("insert audit document: %w", err)
	}
	m.logger.Debug("audit record appended", zap.String("id", r.ID.String()))
	return nil
}

func (m *MongoRecorder) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoRecorder) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
