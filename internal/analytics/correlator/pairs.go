package correlator

import (
	"fmt"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// Pair flags two fields whose values exceed their limits on the same
// reading. Both comparisons are strict.
type Pair struct {
	Fields      [2]models.Field
	Above       [2]float64
	Score       float64
	Description string
}

// DefaultPairs returns the particulate and acoustic pairs.
func DefaultPairs() []Pair {
	return []Pair{
		{
			Fields:      [2]models.Field{models.FieldPM25, models.FieldPM10},
			Above:       [2]float64{50, 100},
			Score:       0.85,
			Description: "High correlation between PM2.5 and PM10 readings",
		},
		{
			Fields:      [2]models.Field{models.FieldDBA, models.FieldVibration},
			Above:       [2]float64{80, 0.1},
			Score:       0.75,
			Description: "High correlation between noise and vibration levels",
		},
	}
}

// Validate reports a pair that can never be meaningful.
func (p Pair) Validate() error {
	if p.Fields[0] == p.Fields[1] {
		return fmt.Errorf("correlation pair repeats field %s", p.Fields[0])
	}
	for _, f := range p.Fields {
		if models.FieldIndex(f) < 0 {
			return fmt.Errorf("correlation pair names unknown field %q", f)
		}
	}
	if p.Score < 0 || p.Score > 1 {
		return fmt.Errorf("correlation pair %s/%s: score must be in [0, 1], got %v", p.Fields[0], p.Fields[1], p.Score)
	}
	return nil
}

// CrossSensor returns the pairs elevated on reading, in the order given.
func CrossSensor(reading models.Reading, pairs []Pair) []models.CrossSensor {
	var out []models.CrossSensor
	for _, p := range pairs {
		if reading.Value(p.Fields[0]) > p.Above[0] && reading.Value(p.Fields[1]) > p.Above[1] {
			out = append(out, models.CrossSensor{
				Fields:      p.Fields,
				Score:       p.Score,
				Description: p.Description,
			})
		}
	}
	return out
}
