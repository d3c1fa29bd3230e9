package recurrence

import (
	"errors"
	"testing"
	"time"
)

func TestNextAfterVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		rule  string
		after time.Time
		want  time.Time
	}{
		{
			name:  "daily at nine",
			rule:  "0 9 * * *",
			after: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			name:  "strictly after, not at",
			rule:  "0 9 * * *",
			after: time.Date(2024, 1, 1, 8, 59, 0, 0, time.UTC),
			want:  time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		},
		{
			name:  "every five minutes",
			rule:  "*/5 * * * *",
			after: time.Date(2024, 1, 1, 10, 2, 0, 0, time.UTC),
			want:  time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC),
		},
		{
			name:  "monthly first",
			rule:  "30 8 1 * *",
			after: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 2, 1, 8, 30, 0, 0, time.UTC),
		},
		{
			name:  "descriptor daily",
			rule:  "@daily",
			after: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
			want:  time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextAfter(tt.rule, tt.after, time.UTC)
			if err != nil {
				t.Fatalf("NextAfter(%q) error: %v", tt.rule, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextAfter(%q, %v) = %v, want %v", tt.rule, tt.after, got, tt.want)
			}
		})
	}
}

func TestNextAfterMalformedRule(t *testing.T) {
	t.Parallel()
	_, err := NextAfter("not a cron rule", time.Now(), nil)
	if err == nil {
		t.Fatal("expected error for malformed rule")
	}
}

func TestNextAfterUnsatisfiableRule(t *testing.T) {
	t.Parallel()
	// February 30th never exists.
	_, err := NextAfter("0 0 30 2 *", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	if !errors.Is(err, ErrNoNextOccurrence) {
		t.Fatalf("expected ErrNoNextOccurrence, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := Validate("0 9 * * 1-5"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := Validate("nope"); err == nil {
		t.Fatal("expected error for invalid rule")
	}
}
