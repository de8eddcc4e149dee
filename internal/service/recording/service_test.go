package recording

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
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
	"callorchestrator-backend/internal/service/storage"
	"callorchestrator-backend/pkg/config"
	"callorchestrator-backend/pkg/errors"
	"callorchestrator-backend/pkg/metrics"
	"callorchestrator-backend/pkg/resilience"
)

// MockQuotaRepository is a mock implementation of QuotaRepository
type MockQuotaRepository struct {
	mock.Mock
}

func (m *MockQuotaRepository) GetQuota(ctx context.Context, userID uuid.UUID) (*domain.StorageQuota, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StorageQuota), args.Error(1)
}

func (m *MockQuotaRepository) AddUsage(ctx context.Context, userID uuid.UUID, bytes int64) error {
	args := m.Called(ctx, userID, bytes)
	return args.Error(0)
}

// MockUploader is a mock implementation of Uploader
type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) Upload(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) (string, error) {
	args := m.Called(ctx, objectKey, reader, size, contentType)
	return args.String(0), args.Error(1)
}

type fakeArtifacts struct {
	mu      sync.Mutex
	data    []byte
	missing bool
	opens   int
}

func (a *fakeArtifacts) Open(ctx context.Context, callID uuid.UUID) (io.ReadCloser, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opens++
	if a.missing {
		return nil, 0, fmt.Errorf("%w: %s", storage.ErrArtifactNotFound, callID)
	}
	return io.NopCloser(bytes.NewReader(a.data)), int64(len(a.data)), nil
}

type eventLog struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (l *eventLog) Emit(evt *domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) last() *domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return nil
	}
	return l.events[len(l.events)-1]
}

type fixture struct {
	svc       *Service
	store     *session.Store
	quotas    *MockQuotaRepository
	uploader  *MockUploader
	artifacts *fakeArtifacts
	events    *eventLog
	now       time.Time
	sleeps    []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		quotas:    new(MockQuotaRepository),
		uploader:  new(MockUploader),
		artifacts: &fakeArtifacts{data: []byte("webm-bytes")},
		events:    &eventLog{},
		now:       time.Date(2026, 7, 1, 15, 0, 0, 0, time.UTC),
	}
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	f.store = session.NewStore(memory.NewCallRepository(), f.events, m,
		session.WithClock(func() time.Time { return f.now }))

	cfg := config.RecordingConfig{
		MinReservationBytes: 100,
		MaxConcurrent:       1,
		UploadMaxAttempts:   3,
		UploadInitialDelay:  500 * time.Millisecond,
		UploadMaxDelay:      10 * time.Second,
	}
	f.svc = NewService(f.store, f.quotas, f.uploader, f.artifacts, cfg, m)
	f.svc.SetRetryPolicy(resilience.RetryPolicy{
		MaxAttempts:  cfg.UploadMaxAttempts,
		InitialDelay: cfg.UploadInitialDelay,
		MaxDelay:     cfg.UploadMaxDelay,
		Multiplier:   2,
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		},
	})
	return f
}

func (f *fixture) plentyOfQuota(userID uuid.UUID) {
	f.quotas.On("GetQuota", mock.Anything, userID).
		Return(&domain.StorageQuota{UserID: userID, TotalUsed: 0, QuotaLimit: 1 << 30}, nil).Maybe()
}

// ongoingCall creates a live group call with a host, a cohost and a plain participant
func (f *fixture) ongoingCall(t *testing.T, status domain.CallStatus) (call *domain.Call, host, cohost, member uuid.UUID) {
	t.Helper()
	host, cohost, member = uuid.New(), uuid.New(), uuid.New()
	c := &domain.Call{
		Kind:        domain.CallKindVideo,
		IsGroup:     true,
		InitiatorID: host,
		Status:      status,
		Group:       domain.GroupConfig{MaxParticipants: 8, CoHosts: []uuid.UUID{cohost}},
	}
	if status == domain.CallStatusOngoing {
		start := f.now
		c.StartTime = &start
	}
	for id, role := range map[uuid.UUID]domain.ParticipantRole{host: domain.RoleHost, cohost: domain.RoleCohost, member: domain.RoleParticipant} {
		p := domain.NewParticipant(id, role)
		p.Status = domain.ParticipantStatusJoined
		c.AddParticipant(p)
	}
	created, err := f.store.Create(context.Background(), c, nil)
	require.NoError(t, err)
	return created, host, cohost, member
}

func TestStartAndStop_Completed(t *testing.T) {
	f := newFixture(t)
	call, host, _, _ := f.ongoingCall(t, domain.CallStatusOngoing)
	f.plentyOfQuota(host)
	ctx := context.Background()

	rec, err := f.svc.Start(ctx, call.CallID, host)
	require.NoError(t, err)
	assert.True(t, rec.Enabled)
	assert.Equal(t, domain.RecordingStatusRecording, rec.Status)
	assert.Equal(t, host, rec.StartedBy)
	assert.Equal(t, domain.EventRecordingStarted, f.events.last().Type)

	f.now = f.now.Add(90 * time.Second)
	f.uploader.On("Upload", mock.Anything, mock.AnythingOfType("string"), mock.Anything, int64(10), storage.RecordingContentType).
		Return("http://minio:9000/recordings/x.webm", nil).Once()
	f.quotas.On("AddUsage", mock.Anything, host, int64(10)).Return(nil).Once()

	rec, err = f.svc.Stop(ctx, call.CallID, host)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingStatusCompleted, rec.Status)
	assert.Equal(t, "http://minio:9000/recordings/x.webm", rec.URL)
	require.NotNil(t, rec.DurationSeconds)
	assert.Equal(t, int64(90), *rec.DurationSeconds)
	assert.Equal(t, int64(10), rec.SizeBytes)

	evt := f.events.last()
	assert.Equal(t, domain.EventRecordingStopped, evt.Type)
	assert.Equal(t, "completed", evt.Payload["status"])
	assert.Len(t, evt.Room, 3)

	f.uploader.AssertExpectations(t)
	f.quotas.AssertExpectations(t)
}

// Scenario C: the upload keeps failing, the recording is marked failed and
// the call is otherwise unaffected
func TestStop_UploadExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	call, host, _, member := f.ongoingCall(t, domain.CallStatusOngoing)
	f.plentyOfQuota(host)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, call.CallID, host)
	require.NoError(t, err)

	f.uploader.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", fmt.Errorf("connection refused"))

	rec, err := f.svc.Stop(ctx, call.CallID, host)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingStatusFailed, rec.Status)
	assert.Equal(t, "network", rec.FailureReason)
	assert.Empty(t, rec.URL)

	f.uploader.AssertNumberOfCalls(t, "Upload", 3)
	assert.Equal(t, 3, f.artifacts.opens)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, f.sleeps)
	f.quotas.AssertNotCalled(t, "AddUsage", mock.Anything, mock.Anything, mock.Anything)

	got, err := f.svc.Get(ctx, call.CallID, member)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingStatusFailed, got.Status)

	stored, err := f.store.GetByID(ctx, call.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, stored.Status)
	assert.Equal(t, "failed", f.events.last().Payload["status"])

	_, err = f.svc.Stop(ctx, call.CallID, host)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidTransition), "a final recording is immutable")
}

func TestStop_MissingArtifactIsNotRetried(t *testing.T) {
	f := newFixture(t)
	call, host, cohost, _ := f.ongoingCall(t, domain.CallStatusOngoing)
	f.plentyOfQuota(host)
	f.artifacts.missing = true

	_, err := f.svc.Start(context.Background(), call.CallID, host)
	require.NoError(t, err)

	rec, err := f.svc.Stop(context.Background(), call.CallID, cohost)
	require.NoError(t, err)
	assert.Equal(t, domain.RecordingStatusFailed, rec.Status)
	assert.Equal(t, 1, f.artifacts.opens)
	f.uploader.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStart_Gates(t *testing.T) {
	ctx := context.Background()

	t.Run("participant role is denied", func(t *testing.T) {
		f := newFixture(t)
		call, _, _, member := f.ongoingCall(t, domain.CallStatusOngoing)

		_, err := f.svc.Start(ctx, call.CallID, member)
		assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
	})

	t.Run("outsider is denied", func(t *testing.T) {
		f := newFixture(t)
		call, _, _, _ := f.ongoingCall(t, domain.CallStatusOngoing)

		_, err := f.svc.Start(ctx, call.CallID, uuid.New())
		assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
	})

	t.Run("call must be ongoing", func(t *testing.T) {
		f := newFixture(t)
		call, host, _, _ := f.ongoingCall(t, domain.CallStatusConnecting)

		_, err := f.svc.Start(ctx, call.CallID, host)
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidTransition))
	})

	t.Run("unknown call", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Start(ctx, uuid.New(), uuid.New())
		assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	})

	t.Run("quota below reservation", func(t *testing.T) {
		f := newFixture(t)
		call, host, _, _ := f.ongoingCall(t, domain.CallStatusOngoing)
		f.quotas.On("GetQuota", mock.Anything, host).
			Return(&domain.StorageQuota{UserID: host, TotalUsed: 950, QuotaLimit: 1000}, nil)

		_, err := f.svc.Start(ctx, call.CallID, host)
		assert.True(t, errors.HasCode(err, errors.ErrCodeResourceExhausted))
	})

	t.Run("concurrent recording limit", func(t *testing.T) {
		f := newFixture(t)
		first, host, _, _ := f.ongoingCall(t, domain.CallStatusOngoing)
		f.plentyOfQuota(host)
		_, err := f.svc.Start(ctx, first.CallID, host)
		require.NoError(t, err)

		second := &domain.Call{Kind: domain.CallKindVideo, IsGroup: true, InitiatorID: host, Status: domain.CallStatusOngoing}
		p := domain.NewParticipant(host, domain.RoleHost)
		p.Status = domain.ParticipantStatusJoined
		second.AddParticipant(p)
		created, err := f.store.Create(ctx, second, nil)
		require.NoError(t, err)

		_, err = f.svc.Start(ctx, created.CallID, host)
		assert.True(t, errors.HasCode(err, errors.ErrCodeResourceExhausted))
	})

	t.Run("already recording", func(t *testing.T) {
		f := newFixture(t)
		call, host, cohost, _ := f.ongoingCall(t, domain.CallStatusOngoing)
		f.plentyOfQuota(host)
		f.plentyOfQuota(cohost)

		_, err := f.svc.Start(ctx, call.CallID, host)
		require.NoError(t, err)
		_, err = f.svc.Start(ctx, call.CallID, cohost)
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidTransition))
	})
}

func TestStop_Authorization(t *testing.T) {
	f := newFixture(t)
	call, host, _, member := f.ongoingCall(t, domain.CallStatusOngoing)
	f.plentyOfQuota(host)
	ctx := context.Background()

	_, err := f.svc.Stop(ctx, call.CallID, host)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound), "no recording yet")

	_, err = f.svc.Start(ctx, call.CallID, host)
	require.NoError(t, err)

	_, err = f.svc.Stop(ctx, call.CallID, member)
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	call, _, _, member := f.ongoingCall(t, domain.CallStatusOngoing)
	ctx := context.Background()

	_, err := f.svc.Get(ctx, call.CallID, member)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	_, err = f.svc.Get(ctx, call.CallID, uuid.New())
	assert.True(t, errors.HasCode(err, errors.ErrCodePermissionDenied))
}

func TestFinalize_ClosedCall(t *testing.T) {
	f := newFixture(t)
	call, host, cohost, _ := f.ongoingCall(t, domain.CallStatusOngoing)
	f.plentyOfQuota(host)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, call.CallID, host)
	require.NoError(t, err)

	_, err = f.svc.Finalize(ctx, call.CallID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidTransition), "a live call keeps its recording")

	f.now = f.now.Add(time.Minute)
	_, err = f.store.Close(ctx, call.CallID, cohost, domain.CallStatusEnded, "ended")
	require.NoError(t, err)

	f.uploader.On("Upload", mock.Anything, mock.AnythingOfType("string"), mock.Anything, int64(10), storage.RecordingContentType).
		Return("http://minio:9000/recordings/y.webm", nil).Once()
	f.quotas.On("AddUsage", mock.Anything, host, int64(10)).Return(nil).Once()

	rec, err := f.svc.Finalize(ctx, call.CallID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.RecordingStatusCompleted, rec.Status)
	assert.Equal(t, "http://minio:9000/recordings/y.webm", rec.URL)
	require.NotNil(t, rec.DurationSeconds)
	assert.Equal(t, int64(60), *rec.DurationSeconds)

	evt := f.events.last()
	assert.Equal(t, domain.EventRecordingStopped, evt.Type)
	assert.Equal(t, host, evt.UserID)

	again, err := f.svc.Finalize(ctx, call.CallID)
	require.NoError(t, err)
	assert.Nil(t, again)

	f.uploader.AssertExpectations(t)
	f.quotas.AssertExpectations(t)
}
