package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"callorchestrator-backend/internal/database"
	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/pkg/metrics"
)

const samplesTable = "call_network_samples"

// SampleRepository archives network samples in Cassandra.
// Samples are partitioned by call and clustered by time:
//
//	CREATE TABLE call_network_samples (
//	    call_id uuid,
//	    recorded_at timestamp,
//	    user_id uuid,
//	    bandwidth_kbps double,
//	    latency_ms double,
//	    packet_loss_pct double,
//	    jitter_ms double,
//	    quality_score int,
//	    PRIMARY KEY ((call_id), recorded_at, user_id)
//	) WITH CLUSTERING ORDER BY (recorded_at DESC, user_id ASC)
//	  AND default_time_to_live = 2592000;
type SampleRepository struct {
	db      *database.CassandraDB
	metrics *metrics.Metrics
}

// NewSampleRepository creates a new SampleRepository
func NewSampleRepository(db *database.CassandraDB, m *metrics.Metrics) *SampleRepository {
	return &SampleRepository{db: db, metrics: m}
}

// SaveSample inserts one sample
func (r *SampleRepository) SaveSample(ctx context.Context, callID uuid.UUID, sample domain.NetworkSample) error {
	query := `
		INSERT INTO call_network_samples (
			call_id, recorded_at, user_id, bandwidth_kbps,
			latency_ms, packet_loss_pct, jitter_ms, quality_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	start := time.Now()
	err := r.db.Exec(ctx, query,
		gocql.UUID(callID),
		sample.RecordedAt,
		gocql.UUID(sample.UserID),
		sample.BandwidthKbps,
		sample.LatencyMs,
		sample.PacketLossPct,
		sample.JitterMs,
		sample.QualityScore,
	)
	r.metrics.RecordCassandraQuery("insert", samplesTable, time.Since(start), err)

	if err != nil {
		return fmt.Errorf("failed to save network sample: %w", err)
	}

	return nil
}
