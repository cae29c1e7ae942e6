package validation

import (
	"errors"
	"testing"
	"time"
)

func TestRequireText(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "filled", value: "hello", wantErr: false},
		{name: "empty", value: "", wantErr: true},
		{name: "whitespace only", value: "   \t", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireText("title", tt.value)
			if tt.wantErr && !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPointsWithinLimit(t *testing.T) {
	tests := []struct {
		name    string
		value   int64
		limit   int64
		wantErr bool
	}{
		{name: "within", value: 50, limit: 100, wantErr: false},
		{name: "equal to limit", value: 100, limit: 100, wantErr: false},
		{name: "zero", value: 0, limit: 100, wantErr: true},
		{name: "negative", value: -5, limit: 100, wantErr: true},
		{name: "above limit", value: 101, limit: 100, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := PointsWithinLimit("points", tt.value, tt.limit)
			if tt.wantErr && !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseDeadline_NormalizesToUTC(t *testing.T) {
	got, err := ParseDeadline("2026-06-01T15:00:00+03:00")
	if err != nil {
		t.Fatalf("ParseDeadline error: %v", err)
	}
	if got == nil {
		t.Fatalf("expected parsed deadline")
	}
	if got.Location() != time.UTC {
		t.Fatalf("deadline location = %v, want UTC", got.Location())
	}
	want := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("deadline = %v, want %v", got, want)
	}
}

func TestParseDeadline_Empty(t *testing.T) {
	got, err := ParseDeadline("")
	if err != nil {
		t.Fatalf("ParseDeadline error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil deadline for empty input, got %v", got)
	}
}

func TestParseDeadline_Invalid(t *testing.T) {
	_, err := ParseDeadline("not-a-timestamp")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMilestonesWithinBudget(t *testing.T) {
	tests := []struct {
		name        string
		total       int64
		allocations []int64
		wantErr     bool
	}{
		{name: "under budget", total: 100, allocations: []int64{30, 40}, wantErr: false},
		{name: "exact budget", total: 100, allocations: []int64{60, 40}, wantErr: false},
		{name: "over budget", total: 100, allocations: []int64{60, 50}, wantErr: true},
		{name: "no milestones", total: 100, allocations: nil, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MilestonesWithinBudget(tt.total, tt.allocations)
			if tt.wantErr && !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
