package detector

import "github.com/smartsensor/smartsensor-ai/internal/models"

// Band is an alert range. Values at or above Low are alerts; High marks the
// upper tier and is reported as the crossed bound when exceeded.
type Band struct {
	Low  float64
	High float64
}

// ThresholdConfig maps each field to its alert band.
type ThresholdConfig map[models.Field]Band

// DefaultThresholdConfig returns the critical/severe tiers used by the rule layer.
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		models.FieldPM25:      {Low: 70, High: 150},
		models.FieldPM10:      {Low: 150, High: 300},
		models.FieldDBA:       {Low: 95, High: 120},
		models.FieldVibration: {Low: 0.4, High: 0.5},
	}
}

// ZScoreConfig parameterizes the rolling z-score detector.
type ZScoreConfig struct {
	WindowSize     int
	ZThreshold     float64
	NoiseFraction  float64 // fraction of ZThreshold above which a value is noise
	DriftThreshold float64 // relative mean shift
	DriftSpan      int
	MinReadings    int
}

// DefaultZScoreConfig returns the z-score defaults.
func DefaultZScoreConfig() ZScoreConfig {
	return ZScoreConfig{
		WindowSize:     50,
		ZThreshold:     3.0,
		NoiseFraction:  0.67,
		DriftThreshold: 0.1,
		DriftSpan:      10,
		MinReadings:    10,
	}
}

// STLConfig parameterizes the seasonal-trend decomposition detector.
type STLConfig struct {
	Period            int
	SeasonalWindow    int
	TrendWindow       int
	LowPassWindow     int
	ResidualThreshold float64
	TrendThreshold    float64
	MinReadings       int
	InnerIterations   int
}

// DefaultSTLConfig returns the STL defaults.
func DefaultSTLConfig() STLConfig {
	return STLConfig{
		Period:            24,
		SeasonalWindow:    7,
		TrendWindow:       25,
		LowPassWindow:     25,
		ResidualThreshold: 2.0,
		TrendThreshold:    0.1,
		MinReadings:       100,
		InnerIterations:   2,
	}
}

// LSTMConfig parameterizes the sequence-prediction detector.
type LSTMConfig struct {
	SequenceLength      int
	HiddenUnits         int
	LearningRate        float64
	Epochs              int
	BatchSize           int
	ThresholdMultiplier float64
	MinReadings         int
	Seed                int64
}

// DefaultLSTMConfig returns the LSTM defaults.
func DefaultLSTMConfig() LSTMConfig {
	return LSTMConfig{
		SequenceLength:      50,
		HiddenUnits:         16,
		LearningRate:        0.01,
		Epochs:              20,
		BatchSize:           32,
		ThresholdMultiplier: 2.0,
		MinReadings:         200,
		Seed:                42,
	}
}

// SelectorConfig parameterizes detector selection.
type SelectorConfig struct {
	MinDataForAdvanced   int
	SeasonalityThreshold float64
	ComplexityThreshold  float64
	ConfidenceFloor      float64
}

// DefaultSelectorConfig returns the selector defaults.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		MinDataForAdvanced:   200,
		SeasonalityThreshold: 0.3,
		ComplexityThreshold:  0.3,
		ConfidenceFloor:      0.5,
	}
}

// Config bundles the per-kind parameters.
type Config struct {
	Threshold ThresholdConfig
	ZScore    ZScoreConfig
	STL       STLConfig
	LSTM      LSTMConfig
	Selector  SelectorConfig
}

// DefaultConfig returns every detector default.
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThresholdConfig(),
		ZScore:    DefaultZScoreConfig(),
		STL:       DefaultSTLConfig(),
		LSTM:      DefaultLSTMConfig(),
		Selector:  DefaultSelectorConfig(),
	}
}
