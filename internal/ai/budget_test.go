package ai

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryBudget(t *testing.T) {
	tests := []struct {
		name   string
		limit  int64
		record int
		want   bool
	}{
		{"no limit means unlimited", 0, 1_000_000, true},
		{"within budget", 1000, 500, true},
		{"exact budget is exhausted", 100, 100, false},
		{"over budget", 100, 150, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b := NewInMemoryBudget(nil)
			b.SetLimit("translation", tt.limit)

			if err := b.Record(ctx, "translation", tt.record); err != nil {
				t.Fatalf("Record() error = %v", err)
			}
			ok, err := b.Check(ctx, "translation")
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if ok != tt.want {
				t.Errorf("Check() = %v, want %v", ok, tt.want)
			}
			// Other keys are independent.
			if ok, _ := b.Check(ctx, "general"); !ok {
				t.Error("Check(general) = false, want true")
			}
		})
	}
}

func TestInMemoryBudget_NegativeTokens(t *testing.T) {
	b := NewInMemoryBudget(nil)
	if err := b.Record(context.Background(), "translation", -1); err == nil {
		t.Error("Record() should reject negative tokens")
	}
}

func TestInMemoryBudget_ResetsDaily(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	b := NewInMemoryBudget(func() time.Time { return now })
	b.SetLimit("translation", 100)

	if err := b.Record(ctx, "translation", 120); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if ok, _ := b.Check(ctx, "translation"); ok {
		t.Fatal("Check() = true, want false before midnight")
	}

	now = now.Add(time.Hour)
	if ok, _ := b.Check(ctx, "translation"); !ok {
		t.Error("Check() = false, want true after midnight")
	}
	used, limit, err := b.Usage(ctx, "translation")
	if err != nil || used != 0 || limit != 100 {
		t.Errorf("Usage() = %d, %d, %v; want 0, 100, nil", used, limit, err)
	}
}
