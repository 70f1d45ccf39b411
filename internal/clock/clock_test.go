package clock

import (
	"testing"
	"time"
)

func TestFakeFiresInOrder(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	c := NewFake(t0)

	var got []string
	c.AfterFunc(2*time.Minute, func() { got = append(got, "b") })
	c.AfterFunc(time.Minute, func() { got = append(got, "a") })
	stopped := c.AfterFunc(90*time.Second, func() { got = append(got, "x") })
	if !stopped.Stop() {
		t.Fatalf("Stop should report true for a pending timer")
	}

	c.Advance(time.Minute)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("after 1m got %v", got)
	}
	c.Advance(5 * time.Minute)
	if len(got) != 2 || got[1] != "b" {
		t.Fatalf("after 6m got %v", got)
	}
	if !c.Now().Equal(t0.Add(6 * time.Minute)) {
		t.Fatalf("now=%v", c.Now())
	}
	if n := len(c.Pending()); n != 0 {
		t.Fatalf("pending=%d", n)
	}
}

func TestFakeCallbackArmsDueTimer(t *testing.T) {
	t.Parallel()

	c := NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	fires := 0
	var arm func()
	arm = func() {
		c.AfterFunc(time.Hour, func() {
			fires++
			arm()
		})
	}
	arm()

	c.Advance(3*time.Hour + time.Minute)
	if fires != 3 {
		t.Fatalf("fires=%d, want 3", fires)
	}
	if p := c.Pending(); len(p) != 1 {
		t.Fatalf("pending=%v", p)
	}
}
