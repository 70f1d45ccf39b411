package goals

import (
	"context"
	"testing"
	"time"

	"reminderd/internal/storage"
)

func TestStatusTracksGoalAndDay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewStoreChecker(storage.NewMemory(), "", func() time.Time { return now })

	st, err := c.Status(ctx, Water)
	if err != nil || st.Met || st.Goal != 0 {
		t.Fatalf("empty status=%+v err=%v", st, err)
	}

	if _, err := c.SetGoal(ctx, Water, 2000); err != nil {
		t.Fatalf("set goal: %v", err)
	}
	if _, err := c.Log(ctx, Water, 500); err != nil {
		t.Fatalf("log: %v", err)
	}
	st, _ = c.Status(ctx, Water)
	if st.Met || st.Remaining != 1500 {
		t.Fatalf("status=%+v", st)
	}

	_, _ = c.Log(ctx, Water, 1600)
	st, _ = c.Status(ctx, Water)
	if !st.Met || st.Remaining != 0 {
		t.Fatalf("status after goal=%+v", st)
	}

	now = now.Add(24 * time.Hour)
	st, _ = c.Status(ctx, Water)
	if st.Met || st.Total != 0 || st.Goal != 2000 {
		t.Fatalf("next day status=%+v", st)
	}
}

func TestLogRejectsNonPositive(t *testing.T) {
	t.Parallel()

	c := NewStoreChecker(storage.NewMemory(), "g:", nil)
	if _, err := c.Log(context.Background(), Protein, 0); err == nil {
		t.Fatalf("zero amount accepted")
	}
	if _, ok := ParseMetric("sleep"); ok {
		t.Fatalf("unknown metric parsed")
	}
	if Protein.Unit() != "g" || Water.Unit() != "ml" {
		t.Fatalf("units")
	}
}
