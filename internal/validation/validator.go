// Package validation implements the stateless per-observation quality checks:
// format, range, staleness, statistical outlier, cross-source deviation, and
// consensus deviation. Each check appends issues with a severity; the final
// confidence is the observation's declared confidence decayed per issue.
package validation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/feedpulse/feedpulse/internal/models"
)

// Severity ranks a validation issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Issue is a single validation finding.
type Issue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Config holds the validator thresholds.
type Config struct {
	PriceMin         float64
	PriceMax         float64
	MaxDataAge       time.Duration
	OutlierThreshold float64 // fractional deviation from the recent mean
	ZScoreLimit      float64
	CrossSourceWarn  float64
	CrossSourceHigh  float64
	ConsensusWarn    float64
	ConsensusHigh    float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		PriceMin:         0.01,
		PriceMax:         1e6,
		MaxDataAge:       2000 * time.Millisecond,
		OutlierThreshold: 0.05,
		ZScoreLimit:      2.5,
		CrossSourceWarn:  0.02,
		CrossSourceHigh:  0.04,
		ConsensusWarn:    0.005,
		ConsensusHigh:    0.01,
	}
}

// Context carries the sliding-window state a single validation needs. The
// validator itself holds no state between calls.
type Context struct {
	Now time.Time

	// History is the same-symbol observation window, oldest first.
	History []models.PriceObservation

	// OtherSourcePrices maps source name to its latest price for the symbol,
	// excluding the observation's own source.
	OtherSourcePrices map[string]float64

	// ConsensusMedian is the current consensus, when one exists.
	ConsensusMedian float64
	HasConsensus    bool
}

// Result is the validation outcome.
type Result struct {
	IsValid            bool
	Issues             []Issue
	AdjustedConfidence float64
	Observation        models.PriceObservation
}

// Validator applies the tiered checks.
type Validator struct {
	cfg Config
}

// New creates a validator with the given thresholds.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs every tier in order and computes the adjusted confidence.
// Validity requires no critical issues and at most one high issue.
func (v *Validator) Validate(obs models.PriceObservation, vctx Context) Result {
	now := vctx.Now
	if now.IsZero() {
		now = time.Now()
	}

	var issues []Issue

	issues = append(issues, v.checkFormat(obs)...)
	issues = append(issues, v.checkRange(obs)...)
	issues = append(issues, v.checkStaleness(obs, now)...)
	issues = append(issues, v.checkOutlier(obs, vctx.History)...)
	issues = append(issues, v.checkCrossSource(obs, vctx.OtherSourcePrices)...)
	if vctx.HasConsensus {
		issues = append(issues, v.checkConsensus(obs, vctx.ConsensusMedian)...)
	}

	confidence := obs.Confidence
	criticals, highs := 0, 0
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			criticals++
			confidence *= 0.1
		case SeverityHigh:
			highs++
			confidence *= 0.5
		case SeverityMedium:
			confidence *= 0.8
		case SeverityLow:
			confidence *= 0.95
		}
	}
	confidence = clamp01(confidence)

	adjusted := obs
	adjusted.Confidence = confidence

	return Result{
		IsValid:            criticals == 0 && highs <= 1,
		Issues:             issues,
		AdjustedConfidence: confidence,
		Observation:        adjusted,
	}
}

func (v *Validator) checkFormat(obs models.PriceObservation) []Issue {
	var issues []Issue
	if obs.Symbol == "" {
		issues = append(issues, Issue{Code: "empty_symbol", Severity: SeverityCritical, Message: "observation has no symbol"})
	}
	if obs.Source == "" {
		issues = append(issues, Issue{Code: "empty_source", Severity: SeverityCritical, Message: "observation has no source"})
	}
	if obs.Price <= 0 || math.IsNaN(obs.Price) || math.IsInf(obs.Price, 0) {
		issues = append(issues, Issue{Code: "bad_price", Severity: SeverityCritical, Message: fmt.Sprintf("price %v is not a positive finite number", obs.Price)})
	}
	if obs.Timestamp.IsZero() {
		issues = append(issues, Issue{Code: "bad_timestamp", Severity: SeverityCritical, Message: "observation has no timestamp"})
	}
	if obs.Confidence < 0 || obs.Confidence > 1 {
		issues = append(issues, Issue{Code: "bad_confidence", Severity: SeverityCritical, Message: fmt.Sprintf("confidence %v outside [0,1]", obs.Confidence)})
	}
	return issues
}

func (v *Validator) checkRange(obs models.PriceObservation) []Issue {
	if obs.Price <= 0 || math.IsNaN(obs.Price) || math.IsInf(obs.Price, 0) {
		return nil // already critical in the format tier
	}
	if obs.Price < v.cfg.PriceMin {
		return []Issue{{Code: "price_below_range", Severity: SeverityHigh, Message: fmt.Sprintf("price %v below %v", obs.Price, v.cfg.PriceMin)}}
	}
	if obs.Price > v.cfg.PriceMax {
		return []Issue{{Code: "price_above_range", Severity: SeverityHigh, Message: fmt.Sprintf("price %v above %v", obs.Price, v.cfg.PriceMax)}}
	}
	return nil
}

func (v *Validator) checkStaleness(obs models.PriceObservation, now time.Time) []Issue {
	if obs.Timestamp.IsZero() {
		return nil
	}
	age := now.Sub(obs.Timestamp)
	if age > v.cfg.MaxDataAge {
		return []Issue{{Code: "stale", Severity: SeverityCritical, Message: fmt.Sprintf("observation is %v old", age)}}
	}
	if age > time.Duration(float64(v.cfg.MaxDataAge)*0.8) {
		return []Issue{{Code: "aging", Severity: SeverityLow, Message: fmt.Sprintf("observation is %v old, near the freshness bound", age)}}
	}
	return nil
}

func (v *Validator) checkOutlier(obs models.PriceObservation, history []models.PriceObservation) []Issue {
	if len(history) < 3 {
		return nil
	}

	var issues []Issue

	mean, stddev := meanStddev(history)
	if stddev > 0 {
		z := math.Abs(obs.Price-mean) / stddev
		if z > v.cfg.ZScoreLimit {
			issues = append(issues, Issue{Code: "zscore_outlier", Severity: SeverityMedium, Message: fmt.Sprintf("price deviates %.2f sigma from window mean", z)})
		}
	}

	recent := history
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	recentMean, _ := meanStddev(recent)
	if recentMean > 0 {
		dev := math.Abs(obs.Price-recentMean) / recentMean
		if dev > 2*v.cfg.OutlierThreshold {
			issues = append(issues, Issue{Code: "pct_outlier", Severity: SeverityHigh, Message: fmt.Sprintf("price deviates %.2f%% from recent mean", dev*100)})
		} else if dev > v.cfg.OutlierThreshold {
			issues = append(issues, Issue{Code: "pct_outlier", Severity: SeverityMedium, Message: fmt.Sprintf("price deviates %.2f%% from recent mean", dev*100)})
		}
	}

	return issues
}

func (v *Validator) checkCrossSource(obs models.PriceObservation, others map[string]float64) []Issue {
	if len(others) < 2 {
		return nil
	}
	prices := make([]float64, 0, len(others))
	for _, p := range others {
		prices = append(prices, p)
	}
	med := median(prices)
	if med <= 0 {
		return nil
	}
	dev := math.Abs(obs.Price-med) / med
	if dev > v.cfg.CrossSourceHigh {
		return []Issue{{Code: "cross_source", Severity: SeverityHigh, Message: fmt.Sprintf("price deviates %.2f%% from other sources", dev*100)}}
	}
	if dev > v.cfg.CrossSourceWarn {
		return []Issue{{Code: "cross_source", Severity: SeverityMedium, Message: fmt.Sprintf("price deviates %.2f%% from other sources", dev*100)}}
	}
	return nil
}

func (v *Validator) checkConsensus(obs models.PriceObservation, consensus float64) []Issue {
	if consensus <= 0 {
		return nil
	}
	dev := math.Abs(obs.Price-consensus) / consensus
	if dev > v.cfg.ConsensusHigh {
		return []Issue{{Code: "consensus", Severity: SeverityHigh, Message: fmt.Sprintf("price deviates %.2f%% from consensus", dev*100)}}
	}
	if dev > v.cfg.ConsensusWarn {
		return []Issue{{Code: "consensus", Severity: SeverityMedium, Message: fmt.Sprintf("price deviates %.2f%% from consensus", dev*100)}}
	}
	return nil
}

func meanStddev(window []models.PriceObservation) (float64, float64) {
	if len(window) == 0 {
		return 0, 0
	}
	var sum float64
	for _, o := range window {
		sum += o.Price
	}
	mean := sum / float64(len(window))
	var variance float64
	for _, o := range window {
		d := o.Price - mean
		variance += d * d
	}
	variance /= float64(len(window))
	return mean, math.Sqrt(variance)
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
