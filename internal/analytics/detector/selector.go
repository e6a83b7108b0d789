package detector

import (
	"fmt"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// Selection is the outcome of detector selection for one key.
type Selection struct {
	Kind          models.DetectorKind
	Seasonal      bool
	Complex       bool
	Seasonality   float64 // strongest detrended autocorrelation among the tested lags
	FitQuality    float64 // STL fit quality, 0 when not computed
	ResidualRatio float64 // Var(R) / Var(x)
	Reason        string
}

// Selector chooses the trainable detector for a key. It is a pure function of
// the history and the previously selected kind.
type Selector struct {
	cfg  SelectorConfig
	set  *Set
	lags []int
}

// NewSelector creates a selector over set.
func NewSelector(cfg SelectorConfig, set *Set) *Selector {
	return &Selector{
		cfg:  cfg,
		set:  set,
		lags: []int{set.stl.cfg.Period, 5, 10, 20},
	}
}

// Select evaluates the rules in fixed order:
//  1. fewer than MinDataForAdvanced readings selects z-score
//  2. seasonal with STL fit quality at or above ConfidenceFloor selects STL
//  3. seasonal with poor fit selects LSTM when history allows, else STL
//  4. complex (non-seasonal, high STL residual variance) selects LSTM
//  5. anything else selects z-score
//
// A previous kind with a larger minimum is kept while the history still
// satisfies that minimum.
func (s *Selector) Select(xs []float64, previous models.DetectorKind) Selection {
	sel := s.evaluate(xs)
	if len(xs) < s.cfg.MinDataForAdvanced || previous == "" || previous == sel.Kind {
		return sel
	}
	prevMin := s.minReadings(previous)
	if prevMin > s.minReadings(sel.Kind) && len(xs) >= prevMin {
		sel.Reason = fmt.Sprintf("kept %s over %s (%s)", previous, sel.Kind, sel.Reason)
		sel.Kind = previous
	}
	return sel
}

func (s *Selector) evaluate(xs []float64) Selection {
	n := len(xs)
	if n < s.cfg.MinDataForAdvanced {
		return Selection{Kind: models.DetectorZScore, Reason: fmt.Sprintf("%d readings below advanced minimum %d", n, s.cfg.MinDataForAdvanced)}
	}

	var sel Selection
	stlMin := s.set.stl.MinReadings()
	lstmMin := s.set.lstm.MinReadings()

	detrended := detrend(xs)
	for _, lag := range s.lags {
		if lag < n/2 {
			if ac := autocorrelation(detrended, lag); ac > sel.Seasonality {
				sel.Seasonality = ac
			}
		}
	}

	if n >= stlMin {
		d := s.set.stl.Decompose(xs)
		sel.FitQuality = d.FitQuality()
		if vx := variance(xs); vx > 0 {
			sel.ResidualRatio = variance(d.Residual) / vx
		}
		sel.Seasonal = sel.Seasonality >= s.cfg.SeasonalityThreshold
	}
	sel.Complex = !sel.Seasonal && n >= lstmMin && sel.ResidualRatio >= s.cfg.ComplexityThreshold

	switch {
	case sel.Seasonal && sel.FitQuality >= s.cfg.ConfidenceFloor:
		sel.Kind = models.DetectorSTL
		sel.Reason = fmt.Sprintf("seasonal (acf %.2f) with fit quality %.2f", sel.Seasonality, sel.FitQuality)
	case sel.Seasonal && n >= lstmMin:
		sel.Kind = models.DetectorLSTM
		sel.Reason = fmt.Sprintf("seasonal but STL fit quality %.2f below floor %.2f", sel.FitQuality, s.cfg.ConfidenceFloor)
	case sel.Seasonal:
		sel.Kind = models.DetectorSTL
		sel.Reason = fmt.Sprintf("seasonal (acf %.2f)", sel.Seasonality)
	case sel.Complex:
		sel.Kind = models.DetectorLSTM
		sel.Reason = fmt.Sprintf("residual variance ratio %.2f", sel.ResidualRatio)
	default:
		sel.Kind = models.DetectorZScore
		sel.Reason = "no seasonal or complex structure"
	}
	return sel
}

func (s *Selector) minReadings(kind models.DetectorKind) int {
	d, err := s.set.For(kind)
	if err != nil {
		return 0
	}
	return d.MinReadings()
}
