package quality

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/internal/repository/memory"
	"callorchestrator-backend/internal/service/session"
	"callorchestrator-backend/pkg/config"
	"callorchestrator-backend/pkg/errors"
	"callorchestrator-backend/pkg/metrics"
)

// MockSampleArchive is a mock implementation of SampleArchive
type MockSampleArchive struct {
	mock.Mock
}

func (m *MockSampleArchive) SaveSample(ctx context.Context, callID uuid.UUID, sample domain.NetworkSample) error {
	args := m.Called(ctx, callID, sample)
	return args.Error(0)
}

type eventLog []*domain.Event

func (l *eventLog) Emit(evt *domain.Event) { *l = append(*l, evt) }

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		sample   domain.NetworkSample
		expected int
	}{
		{"perfect", domain.NetworkSample{}, 100},
		{"tier boundaries are inclusive", domain.NetworkSample{PacketLossPct: 1, LatencyMs: 150, JitterMs: 30}, 100},
		{"second tier", domain.NetworkSample{PacketLossPct: 2, LatencyMs: 200, JitterMs: 40}, 65},
		{"third tier", domain.NetworkSample{PacketLossPct: 4, LatencyMs: 400, JitterMs: 80}, 25},
		{"worst", domain.NetworkSample{PacketLossPct: 50, LatencyMs: 2000, JitterMs: 500}, 0},
		{"loss only", domain.NetworkSample{PacketLossPct: 6}, 60},
		{"latency only", domain.NetworkSample{LatencyMs: 501}, 65},
		{"jitter only", domain.NetworkSample{JitterMs: 101}, 75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := NewScorer(config.QualityConfig{}).Score(tt.sample)
			assert.Equal(t, tt.expected, score)
			assert.GreaterOrEqual(t, score, 0)
			assert.LessOrEqual(t, score, 100)
		})
	}
}

func TestScorer_ConfiguredTiers(t *testing.T) {
	strict := config.MetricTiers{Excellent: 50, Good: 100, Fair: 200, GoodPenalty: 20, FairPenalty: 30, MaxPenalty: 50}
	scorer := NewScorer(config.QualityConfig{Latency: strict})

	assert.Equal(t, 100, scorer.Score(domain.NetworkSample{LatencyMs: 50}))
	assert.Equal(t, 80, scorer.Score(domain.NetworkSample{LatencyMs: 120}))
	assert.Equal(t, 50, scorer.Score(domain.NetworkSample{LatencyMs: 201}))
	assert.Equal(t, 60, scorer.Score(domain.NetworkSample{PacketLossPct: 6}), "unset metrics keep the default tiers")
}

func TestTierOf(t *testing.T) {
	assert.Equal(t, TierExcellent, TierOf(100))
	assert.Equal(t, TierExcellent, TierOf(90))
	assert.Equal(t, TierGood, TierOf(89))
	assert.Equal(t, TierFair, TierOf(50))
	assert.Equal(t, TierPoor, TierOf(49))
}

type fixture struct {
	svc     *Service
	store   *session.Store
	archive *MockSampleArchive
	events  *eventLog
}

func newFixture(t *testing.T, maxSamples int) *fixture {
	t.Helper()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{archive: new(MockSampleArchive), events: &eventLog{}}
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	f.store = session.NewStore(memory.NewCallRepository(), f.events, m,
		session.WithClock(func() time.Time { return now }))
	f.svc = NewService(f.store, f.archive, config.QualityConfig{MaxSamples: maxSamples}, m)
	return f
}

func (f *fixture) liveCall(t *testing.T) (callID, joined, invited uuid.UUID) {
	t.Helper()
	joined, invited = uuid.New(), uuid.New()
	start := time.Date(2026, 8, 1, 11, 59, 0, 0, time.UTC)
	c := &domain.Call{
		Kind:        domain.CallKindVideo,
		InitiatorID: joined,
		Status:      domain.CallStatusOngoing,
		StartTime:   &start,
		Media:       domain.MediaConfig{Quality: domain.MediaQualityAuto, BitrateKbps: 1200},
	}
	host := domain.NewParticipant(joined, domain.RoleHost)
	host.Status = domain.ParticipantStatusJoined
	c.AddParticipant(host)
	c.AddParticipant(domain.NewParticipant(invited, domain.RoleParticipant))
	created, err := f.store.Create(context.Background(), c, nil)
	require.NoError(t, err)
	*f.events = nil
	return created.CallID, joined, invited
}

func (f *fixture) count(t domain.EventType) int {
	n := 0
	for _, e := range *f.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func TestIngest_TierChangeEmitsEvent(t *testing.T) {
	f := newFixture(t, 100)
	callID, user, _ := f.liveCall(t)
	f.archive.On("SaveSample", mock.Anything, callID, mock.Anything).Return(nil)
	ctx := context.Background()

	sample, err := f.svc.Ingest(ctx, callID, user, SampleInput{BandwidthKbps: 2500, LatencyMs: 40, PacketLossPct: 0.1, JitterMs: 5})
	require.NoError(t, err)
	assert.Equal(t, 100, sample.QualityScore)
	assert.Equal(t, 0, f.count(domain.EventConnectionQuality), "excellent baseline is not a change")

	sample, err = f.svc.Ingest(ctx, callID, user, SampleInput{LatencyMs: 600, PacketLossPct: 6, JitterMs: 5})
	require.NoError(t, err)
	assert.Equal(t, 25, sample.QualityScore)
	require.Equal(t, 1, f.count(domain.EventConnectionQuality))
	evt := (*f.events)[len(*f.events)-1]
	assert.Equal(t, "poor", evt.Payload["tier"])
	assert.Equal(t, "excellent", evt.Payload["previous_tier"])

	_, err = f.svc.Ingest(ctx, callID, user, SampleInput{LatencyMs: 700, PacketLossPct: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(domain.EventConnectionQuality), "same tier is not pushed again")

	stored, err := f.store.GetByID(ctx, callID)
	require.NoError(t, err)
	assert.Len(t, stored.Metrics, 3)
	f.archive.AssertNumberOfCalls(t, "SaveSample", 3)
}

func TestIngest_BoundedRetention(t *testing.T) {
	f := newFixture(t, 3)
	callID, user, _ := f.liveCall(t)
	f.archive.On("SaveSample", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	for i := 1; i <= 5; i++ {
		_, err := f.svc.Ingest(context.Background(), callID, user, SampleInput{BandwidthKbps: float64(i)})
		require.NoError(t, err)
	}

	stored, err := f.store.GetByID(context.Background(), callID)
	require.NoError(t, err)
	require.Len(t, stored.Metrics, 3)
	assert.Equal(t, 3.0, stored.Metrics[0].BandwidthKbps)
	assert.Equal(t, 5.0, stored.Metrics[2].BandwidthKbps)
}

func TestIngest_ArchiveFailureIsBestEffort(t *testing.T) {
	f := newFixture(t, 10)
	callID, user, _ := f.liveCall(t)
	f.archive.On("SaveSample", mock.Anything, mock.Anything, mock.Anything).Return(fmt.Errorf("no hosts available"))

	_, err := f.svc.Ingest(context.Background(), callID, user, SampleInput{LatencyMs: 10})
	assert.NoError(t, err)
}

func TestIngest_Rejections(t *testing.T) {
	f := newFixture(t, 10)
	callID, user, invited := f.liveCall(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, callID, user, SampleInput{PacketLossPct: 120})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	_, err = f.svc.Ingest(ctx, callID, user, SampleInput{LatencyMs: -1})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	_, err = f.svc.Ingest(ctx, callID, invited, SampleInput{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	_, err = f.svc.Ingest(ctx, callID, uuid.New(), SampleInput{})
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))

	_, err = f.svc.Ingest(ctx, uuid.New(), user, SampleInput{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	f.archive.AssertNotCalled(t, "SaveSample", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdjustQuality(t *testing.T) {
	f := newFixture(t, 10)
	callID, user, invited := f.liveCall(t)
	ctx := context.Background()

	updated, err := f.svc.AdjustQuality(ctx, callID, user, domain.MediaQualityLow, 300)
	require.NoError(t, err)
	assert.Equal(t, domain.MediaConfig{Quality: domain.MediaQualityLow, BitrateKbps: 300}, updated.Media)
	require.Equal(t, 1, f.count(domain.EventConnectionQuality))

	_, err = f.svc.AdjustQuality(ctx, callID, user, domain.MediaQualityLow, 300)
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(domain.EventConnectionQuality), "unchanged config is a no-op")

	_, err = f.svc.AdjustQuality(ctx, callID, user, "ultra", 300)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	_, err = f.svc.AdjustQuality(ctx, callID, user, domain.MediaQualityHigh, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	_, err = f.svc.AdjustQuality(ctx, callID, invited, domain.MediaQualityHigh, 2000)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
}
