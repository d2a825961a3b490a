package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		v      float64
		places int
		want   float64
	}{
		{12.345, 2, 12.35},
		{12.344, 2, 12.34},
		{2.675, 2, 2.68},
		{1.005, 2, 1.01},
		{-1.005, 2, -1.01},
		{2.5, 0, 3},
		{10, 2, 10},
		{0.125, 2, 0.13},
		{33.333333, 2, 33.33},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoundHalfUp(tt.v, tt.places), "RoundHalfUp(%v, %d)", tt.v, tt.places)
	}
}
