package correlator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

func reading(values map[models.Field]float64) models.Reading {
	return models.Reading{DeviceID: "d1", Timestamp: ts, Values: values}
}

func TestCrossSensorPairs(t *testing.T) {
	tests := []struct {
		name   string
		values map[models.Field]float64
		want   []models.CrossSensor
	}{
		{
			name:   "particulate pair",
			values: map[models.Field]float64{models.FieldPM25: 60, models.FieldPM10: 120, models.FieldDBA: 40, models.FieldVibration: 0.01},
			want: []models.CrossSensor{{
				Fields:      [2]models.Field{models.FieldPM25, models.FieldPM10},
				Score:       0.85,
				Description: "High correlation between PM2.5 and PM10 readings",
			}},
		},
		{
			name:   "acoustic pair",
			values: map[models.Field]float64{models.FieldPM25: 10, models.FieldPM10: 20, models.FieldDBA: 85, models.FieldVibration: 0.2},
			want: []models.CrossSensor{{
				Fields:      [2]models.Field{models.FieldDBA, models.FieldVibration},
				Score:       0.75,
				Description: "High correlation between noise and vibration levels",
			}},
		},
		{
			name:   "both pairs",
			values: map[models.Field]float64{models.FieldPM25: 51, models.FieldPM10: 101, models.FieldDBA: 81, models.FieldVibration: 0.11},
			want: []models.CrossSensor{
				{Fields: [2]models.Field{models.FieldPM25, models.FieldPM10}, Score: 0.85, Description: "High correlation between PM2.5 and PM10 readings"},
				{Fields: [2]models.Field{models.FieldDBA, models.FieldVibration}, Score: 0.75, Description: "High correlation between noise and vibration levels"},
			},
		},
		{
			name:   "limits are exclusive",
			values: map[models.Field]float64{models.FieldPM25: 50, models.FieldPM10: 120, models.FieldDBA: 90, models.FieldVibration: 0.1},
		},
		{
			name:   "one side elevated",
			values: map[models.Field]float64{models.FieldPM25: 200, models.FieldPM10: 30, models.FieldDBA: 20, models.FieldVibration: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CrossSensor(reading(tt.values), DefaultPairs())
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCrossSensorUsesConfiguredLimits(t *testing.T) {
	pairs := DefaultPairs()
	pairs[0].Above = [2]float64{20, 40}
	pairs[0].Score = 0.5

	got := CrossSensor(reading(map[models.Field]float64{models.FieldPM25: 25, models.FieldPM10: 45}), pairs)
	require.Len(t, got, 1)
	assert.Equal(t, 0.5, got[0].Score)

	assert.Empty(t, CrossSensor(reading(map[models.Field]float64{models.FieldPM25: 25, models.FieldPM10: 45}), nil))
}

func TestPairValidate(t *testing.T) {
	for _, p := range DefaultPairs() {
		assert.NoError(t, p.Validate())
	}

	bad := DefaultPairs()[0]
	bad.Score = 1.5
	assert.Error(t, bad.Validate())

	bad = DefaultPairs()[0]
	bad.Fields[1] = bad.Fields[0]
	assert.Error(t, bad.Validate())

	bad = DefaultPairs()[0]
	bad.Fields[1] = "humidity"
	assert.Error(t, bad.Validate())
}
