package quality

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/internal/service/session"
	"callorchestrator-backend/pkg/config"
	"callorchestrator-backend/pkg/constants"
	"callorchestrator-backend/pkg/errors"
	"callorchestrator-backend/pkg/logger"
	"callorchestrator-backend/pkg/metrics"
)

// SampleArchive keeps network samples beyond the call's bounded metric log
type SampleArchive interface {
	SaveSample(ctx context.Context, callID uuid.UUID, sample domain.NetworkSample) error
}

// SampleInput is one raw measurement reported by a participant's client
type SampleInput struct {
	BandwidthKbps float64
	LatencyMs     float64
	PacketLossPct float64
	JitterMs      float64
}

// Service ingests network samples and handles quality renegotiation
type Service struct {
	store   *session.Store
	archive SampleArchive
	cfg     config.QualityConfig
	scorer  Scorer
	metrics *metrics.Metrics
}

// NewService creates a quality monitor. archive may be nil.
func NewService(store *session.Store, archive SampleArchive, cfg config.QualityConfig, m *metrics.Metrics) *Service {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 500
	}
	return &Service{store: store, archive: archive, cfg: cfg, scorer: NewScorer(cfg), metrics: m}
}

// Ingest scores a sample from a joined participant and appends it to the
// call's metric log, dropping the oldest samples beyond the configured bound.
// A change of the participant's quality tier is pushed as connection_quality.
func (s *Service) Ingest(ctx context.Context, callID, userID uuid.UUID, in SampleInput) (*domain.NetworkSample, error) {
	if err := validateSample(in); err != nil {
		return nil, err
	}

	var sample domain.NetworkSample
	updated, err := s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if err := tx.RequireCallStatus("ingest_sample", domain.CallStatusConnecting, domain.CallStatusOngoing); err != nil {
			return err
		}
		p, err := tx.Member(userID)
		if err != nil {
			return err
		}
		if p.Status != domain.ParticipantStatusJoined {
			return errors.ValidationError("Participant is not in the call")
		}

		sample = domain.NetworkSample{
			UserID:        userID,
			BandwidthKbps: in.BandwidthKbps,
			LatencyMs:     in.LatencyMs,
			PacketLossPct: in.PacketLossPct,
			JitterMs:      in.JitterMs,
			RecordedAt:    tx.Now(),
		}
		sample.QualityScore = s.scorer.Score(sample)

		previous := TierExcellent
		if last, ok := lastSampleOf(tx.Call, userID); ok {
			previous = TierOf(last.QualityScore)
		}

		tx.Call.Metrics = append(tx.Call.Metrics, sample)
		if over := len(tx.Call.Metrics) - s.cfg.MaxSamples; over > 0 {
			tx.Call.Metrics = append([]domain.NetworkSample(nil), tx.Call.Metrics[over:]...)
		}

		if current := TierOf(sample.QualityScore); current != previous {
			tx.Emit(domain.EventConnectionQuality, userID, map[string]any{
				"quality_score": sample.QualityScore,
				"tier":          string(current),
				"previous_tier": string(previous),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordQualityScore(string(updated.Kind), sample.QualityScore)
	s.archiveSample(ctx, callID, sample)
	return &sample, nil
}

// AdjustQuality lets a joined participant renegotiate the call's target quality and bitrate
func (s *Service) AdjustQuality(ctx context.Context, callID, userID uuid.UUID, quality domain.MediaQuality, bitrateKbps int) (*domain.Call, error) {
	if !quality.Valid() {
		return nil, errors.ValidationError(fmt.Sprintf("Invalid quality: %s", quality))
	}
	if bitrateKbps <= 0 || bitrateKbps > constants.MaxBitrateKbps {
		return nil, errors.ValidationError(fmt.Sprintf("Bitrate must be between 1 and %d kbps", constants.MaxBitrateKbps))
	}

	return s.store.Update(ctx, callID, func(tx *session.Tx) error {
		if err := tx.RequireCallStatus("adjust_quality", domain.CallStatusConnecting, domain.CallStatusOngoing); err != nil {
			return err
		}
		p, err := tx.Member(userID)
		if err != nil {
			return err
		}
		if p.Status != domain.ParticipantStatusJoined {
			return errors.ValidationError("Participant is not in the call")
		}

		if tx.Call.Media.Quality == quality && tx.Call.Media.BitrateKbps == bitrateKbps {
			return nil
		}
		tx.Call.Media = domain.MediaConfig{Quality: quality, BitrateKbps: bitrateKbps}
		tx.Emit(domain.EventConnectionQuality, userID, map[string]any{
			"quality":      string(quality),
			"bitrate_kbps": bitrateKbps,
		})
		return nil
	})
}

func (s *Service) archiveSample(ctx context.Context, callID uuid.UUID, sample domain.NetworkSample) {
	if s.archive == nil {
		return
	}
	if err := s.archive.SaveSample(ctx, callID, sample); err != nil {
		s.metrics.RecordSampleArchiveFailure()
		logger.Warn("Failed to archive network sample",
			zap.String("call_id", callID.String()),
			zap.String("user_id", sample.UserID.String()),
			zap.Error(err))
	}
}

func lastSampleOf(call *domain.Call, userID uuid.UUID) (domain.NetworkSample, bool) {
	for i := len(call.Metrics) - 1; i >= 0; i-- {
		if call.Metrics[i].UserID == userID {
			return call.Metrics[i], true
		}
	}
	return domain.NetworkSample{}, false
}

func validateSample(in SampleInput) error {
	if in.BandwidthKbps < 0 || in.LatencyMs < 0 || in.JitterMs < 0 {
		return errors.ValidationError("Sample values cannot be negative")
	}
	if in.PacketLossPct < 0 || in.PacketLossPct > 100 {
		return errors.ValidationError("Packet loss must be between 0 and 100")
	}
	return nil
}
