package quality

import (
	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/pkg/config"
)

// Tier is a coarse connection quality band derived from the score
type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierFair      Tier = "fair"
	TierPoor      Tier = "poor"
)

// threshold is an inclusive upper bound and the deduction applied up to it
type threshold struct {
	upTo      float64
	deduction int
}

// deductionTable maps a metric to its tiers; values above the last bound take max
type deductionTable struct {
	tiers []threshold
	max   int
}

func (t deductionTable) deduct(v float64) int {
	for _, tier := range t.tiers {
		if v <= tier.upTo {
			return tier.deduction
		}
	}
	return t.max
}

func tableOf(t, fallback config.MetricTiers) deductionTable {
	if t == (config.MetricTiers{}) {
		t = fallback
	}
	return deductionTable{
		tiers: []threshold{{t.Excellent, 0}, {t.Good, t.GoodPenalty}, {t.Fair, t.FairPenalty}},
		max:   t.MaxPenalty,
	}
}

// Scorer grades network samples with configured per-metric tiers
type Scorer struct {
	packetLoss deductionTable
	latency    deductionTable
	jitter     deductionTable
}

// NewScorer builds a scorer. Metrics left zero in cfg use the default tiers.
func NewScorer(cfg config.QualityConfig) Scorer {
	return Scorer{
		packetLoss: tableOf(cfg.PacketLoss, config.DefaultPacketLossTiers),
		latency:    tableOf(cfg.Latency, config.DefaultLatencyTiers),
		jitter:     tableOf(cfg.Jitter, config.DefaultJitterTiers),
	}
}

// Score computes a 0..100 quality score by deducting penalties for packet
// loss, latency and jitter. With the default tiers they cost up to 40, 35
// and 25 points.
func (s Scorer) Score(sample domain.NetworkSample) int {
	score := 100 -
		s.packetLoss.deduct(sample.PacketLossPct) -
		s.latency.deduct(sample.LatencyMs) -
		s.jitter.deduct(sample.JitterMs)
	if score < 0 {
		return 0
	}
	return score
}

// TierOf buckets a score
func TierOf(score int) Tier {
	switch {
	case score >= 90:
		return TierExcellent
	case score >= 70:
		return TierGood
	case score >= 50:
		return TierFair
	default:
		return TierPoor
	}
}
