package util

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTickFor(t *testing.T) {
	tests := []struct {
		name     string
		price    string
		expected string
	}{
		{"sub-penny price", "0.004567", "0.0000001"},
		{"just under a penny", "0.0099", "0.0000001"},
		{"penny price", "0.01", "0.0001"},
		{"sub-dollar price", "0.4567", "0.0001"},
		{"dollar price", "1.00", "0.01"},
		{"large price", "243.87", "0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TickFor(dec(tt.price))
			if !got.Equal(dec(tt.expected)) {
				t.Errorf("TickFor(%s) = %s, expected %s", tt.price, got, tt.expected)
			}
		})
	}
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		price    string
		expected string
	}{
		{"floors to cents", "219.4567", "219.45"},
		{"exact multiple unchanged", "219.45", "219.45"},
		{"sub-dollar floors to 4dp", "0.45678", "0.4567"},
		{"sub-penny floors to 7dp", "0.00456789", "0.0045678"},
		{"does not round up", "1.2399", "1.23"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToTick(dec(tt.price))
			if !got.Equal(dec(tt.expected)) {
				t.Errorf("RoundToTick(%s) = %s, expected %s", tt.price, got, tt.expected)
			}
		})
	}
}

func TestRoundUpToTick(t *testing.T) {
	tests := []struct {
		name     string
		price    string
		expected string
	}{
		{"ceils to cents", "219.4501", "219.46"},
		{"exact multiple unchanged", "219.45", "219.45"},
		{"sub-dollar ceils to 4dp", "0.45671", "0.4568"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundUpToTick(dec(tt.price))
			if !got.Equal(dec(tt.expected)) {
				t.Errorf("RoundUpToTick(%s) = %s, expected %s", tt.price, got, tt.expected)
			}
		})
	}
}
