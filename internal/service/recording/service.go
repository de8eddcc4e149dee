package recording

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/internal/service/session"
	"callorchestrator-backend/internal/service/storage"
	"callorchestrator-backend/pkg/config"
	"callorchestrator-backend/pkg/errors"
	"callorchestrator-backend/pkg/logger"
	"callorchestrator-backend/pkg/metrics"
	"callorchestrator-backend/pkg/resilience"
)

// QuotaRepository reads and charges recording storage quota
type QuotaRepository interface {
	GetQuota(ctx context.Context, userID uuid.UUID) (*domain.StorageQuota, error)
	AddUsage(ctx context.Context, userID uuid.UUID, bytes int64) error
}

// Uploader writes an artifact to durable storage and returns its URL
type Uploader interface {
	Upload(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) (string, error)
}

// ArtifactSource opens the media captured for a call
type ArtifactSource interface {
	Open(ctx context.Context, callID uuid.UUID) (io.ReadCloser, int64, error)
}

// Service gates, starts, stops and finalizes call recordings
type Service struct {
	store     *session.Store
	quotas    QuotaRepository
	uploader  Uploader
	artifacts ArtifactSource
	policy    resilience.RetryPolicy
	cfg       config.RecordingConfig
	metrics   *metrics.Metrics
	userLocks *session.KeyedLocks
}

// NewService creates a recording service. The upload retry policy is built from cfg.
func NewService(store *session.Store, quotas QuotaRepository, uploader Uploader, artifacts ArtifactSource, cfg config.RecordingConfig, m *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		quotas:    quotas,
		uploader:  uploader,
		artifacts: artifacts,
		policy: resilience.RetryPolicy{
			MaxAttempts:  cfg.UploadMaxAttempts,
			InitialDelay: cfg.UploadInitialDelay,
			MaxDelay:     cfg.UploadMaxDelay,
			Multiplier:   2.0,
		},
		cfg:       cfg,
		metrics:   m,
		userLocks: session.NewKeyedLocks(),
	}
}

// SetRetryPolicy replaces the upload retry policy
func (s *Service) SetRetryPolicy(p resilience.RetryPolicy) {
	s.policy = p
}

// Start begins recording an ongoing call. Only a host or cohost may start a
// recording, and only with enough free quota and below the concurrency limit.
func (s *Service) Start(ctx context.Context, callID, userID uuid.UUID) (*domain.Recording, error) {
	current, err := s.store.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if err := checkStartable(current, userID); err != nil {
		return nil, err
	}

	unlock := s.userLocks.Lock(userID)
	defer unlock()

	quota, err := s.quotas.GetQuota(ctx, userID)
	if err != nil {
		return nil, errors.DatabaseError(fmt.Errorf("failed to get storage quota: %w", err))
	}
	if quota.Remaining() < s.cfg.MinReservationBytes {
		return nil, errors.ResourceExhaustedError("Not enough storage quota to record").WithDetails(map[string]any{
			"remaining_bytes": quota.Remaining(),
			"required_bytes":  s.cfg.MinReservationBytes,
		})
	}

	active, err := s.store.CountActiveRecordings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active >= s.cfg.MaxConcurrent {
		return nil, errors.ResourceExhaustedError("Too many active recordings").WithDetails(map[string]any{
			"active":         active,
			"max_concurrent": s.cfg.MaxConcurrent,
		})
	}

	updated, err := s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if err := checkStartable(tx.Call, userID); err != nil {
			return err
		}
		tx.Call.Recording = &domain.Recording{
			Enabled:   true,
			StartedBy: userID,
			StartTime: tx.Now(),
			Status:    domain.RecordingStatusRecording,
		}
		tx.Emit(domain.EventRecordingStarted, userID, map[string]any{
			"status": string(domain.RecordingStatusRecording),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Recording started",
		zap.String("call_id", callID.String()),
		zap.String("user_id", userID.String()))
	return updated.Recording, nil
}

// Stop ends the active recording and uploads the artifact. The upload runs
// outside the call lock; its outcome is written back under the lock. A failed
// upload marks the recording failed without failing the call.
func (s *Service) Stop(ctx context.Context, callID, userID uuid.UUID) (*domain.Recording, error) {
	stopping, err := s.store.Update(ctx, callID, func(tx *session.Tx) error {
		p, err := tx.Member(userID)
		if err != nil {
			return err
		}
		rec, err := activeRecording(tx)
		if err != nil {
			return err
		}
		if !p.Role.Moderates() && rec.StartedBy != userID {
			return errors.PermissionDeniedError("Only the host, a cohost or the recorder can stop the recording")
		}
		markProcessing(tx, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, callID, userID, stopping.Recording)
}

// Finalize stops a recording that was still running when its call closed,
// on behalf of the recorder. It returns nil when there is nothing to stop.
func (s *Service) Finalize(ctx context.Context, callID uuid.UUID) (*domain.Recording, error) {
	var skip bool
	stopping, err := s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if !tx.Call.Status.Terminal() {
			return errors.InvalidTransitionError("call", string(tx.Call.Status), "finalize_recording")
		}
		rec := tx.Call.Recording
		if rec == nil || !rec.Active() {
			skip = true
			return nil
		}
		markProcessing(tx, rec)
		return nil
	})
	if err != nil || skip {
		return nil, err
	}

	logger.Info("Finalizing recording of closed call",
		zap.String("call_id", callID.String()),
		zap.String("call_status", string(stopping.Status)))
	return s.finish(ctx, callID, stopping.Recording.StartedBy, stopping.Recording)
}

func activeRecording(tx *session.Tx) (*domain.Recording, error) {
	rec := tx.Call.Recording
	if rec == nil {
		return nil, errors.NotFoundError("Recording")
	}
	if !rec.Active() {
		return nil, errors.InvalidTransitionError("recording", string(rec.Status), string(domain.RecordingStatusProcessing))
	}
	return rec, nil
}

func markProcessing(tx *session.Tx, rec *domain.Recording) {
	end := tx.Now()
	if end.Before(rec.StartTime) {
		end = rec.StartTime
	}
	duration := int64(end.Sub(rec.StartTime) / time.Second)
	rec.EndTime = &end
	rec.DurationSeconds = &duration
	rec.Status = domain.RecordingStatusProcessing
}

// finish uploads a recording in processing and writes the terminal status
func (s *Service) finish(ctx context.Context, callID, actor uuid.UUID, rec *domain.Recording) (*domain.Recording, error) {
	// the upload outlives the request that asked for it
	uploadCtx := context.WithoutCancel(ctx)
	location, size, uploadErr := s.upload(uploadCtx, callID, rec)

	final, err := s.store.Update(uploadCtx, callID, func(tx *session.Tx) error {
		r := tx.Call.Recording
		if r == nil || r.Status != domain.RecordingStatusProcessing {
			return errors.InvalidTransitionError("recording", "unknown", "final")
		}

		payload := map[string]any{"duration_seconds": *r.DurationSeconds}
		if uploadErr != nil {
			r.Status = domain.RecordingStatusFailed
			r.FailureReason = resilience.ClassifyError(uploadErr)
			payload["error"] = r.FailureReason
		} else {
			r.Status = domain.RecordingStatusCompleted
			r.URL = location
			r.SizeBytes = size
			payload["url"] = location
		}
		payload["status"] = string(r.Status)
		tx.Emit(domain.EventRecordingStopped, actor, payload)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordRecording(string(final.Recording.Status))
	if uploadErr != nil {
		logger.Error("Recording upload failed",
			zap.String("call_id", callID.String()),
			zap.Error(uploadErr))
		return final.Recording, nil
	}

	if err := s.quotas.AddUsage(uploadCtx, rec.StartedBy, size); err != nil {
		logger.Warn("Failed to charge recording to storage quota",
			zap.String("call_id", callID.String()),
			zap.String("user_id", rec.StartedBy.String()),
			zap.Int64("bytes", size),
			zap.Error(err))
	}

	logger.Info("Recording completed",
		zap.String("call_id", callID.String()),
		zap.Int64("bytes", size),
		zap.Int64("duration_seconds", *final.Recording.DurationSeconds))
	return final.Recording, nil
}

// Get returns the recording metadata to a participant of the call
func (s *Service) Get(ctx context.Context, callID, userID uuid.UUID) (*domain.Recording, error) {
	call, err := s.store.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Participant(userID) == nil {
		return nil, errors.PermissionDeniedError("User is not a participant of this call")
	}
	if call.Recording == nil {
		return nil, errors.NotFoundError("Recording")
	}
	return call.Recording, nil
}

func (s *Service) upload(ctx context.Context, callID uuid.UUID, rec *domain.Recording) (string, int64, error) {
	objectKey := fmt.Sprintf("recordings/%s/%d.webm", callID, rec.StartTime.Unix())

	var location string
	var size int64
	err := resilience.Retry(ctx, s.policy, "recording_upload", func(ctx context.Context, attempt int) error {
		artifact, n, err := s.artifacts.Open(ctx, callID)
		if stderrors.Is(err, storage.ErrArtifactNotFound) {
			return resilience.Permanent(err)
		}
		if err != nil {
			return err
		}
		defer artifact.Close()

		location, err = s.uploader.Upload(ctx, objectKey, artifact, n, storage.RecordingContentType)
		if err != nil {
			return err
		}
		size = n
		return nil
	}, func(attempt int, err error) {
		if err != nil {
			s.metrics.RecordUploadAttempt("failure")
			return
		}
		s.metrics.RecordUploadAttempt("success")
	})
	return location, size, err
}

func checkStartable(call *domain.Call, userID uuid.UUID) error {
	p := call.Participant(userID)
	if p == nil {
		return errors.PermissionDeniedError("User is not a participant of this call")
	}
	if call.Status != domain.CallStatusOngoing {
		return errors.InvalidTransitionError("call", string(call.Status), "start_recording")
	}
	if !p.Role.Moderates() {
		return errors.PermissionDeniedError("Only the host or a cohost can record")
	}
	if call.Recording != nil {
		if call.Recording.Active() {
			return errors.InvalidTransitionError("recording", string(call.Recording.Status), string(domain.RecordingStatusRecording))
		}
		return errors.InvalidTransitionError("recording", string(call.Recording.Status), string(domain.RecordingStatusRecording)).
			WithDetails(map[string]any{"reason": "a call keeps a single recording"})
	}
	return nil
}
