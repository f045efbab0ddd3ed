package logbuf

import (
	"fmt"
	"reflect"
	"testing"
)

func TestAppendPreservesOrder(t *testing.T) {
	r := NewRegistry(0)

	var got []string
	cancel := r.Subscribe(7, func(line string) {
		got = append(got, line)
	})
	defer cancel()

	r.Append(7, "l1")
	r.Append(7, "l2")

	want := []string{"l1", "l2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("subscriber saw %v, want %v", got, want)
	}
	if !reflect.DeepEqual(r.Lines(7), want) {
		t.Fatalf("Lines() = %v, want %v", r.Lines(7), want)
	}
}

func TestLinesIsIdempotent(t *testing.T) {
	r := NewRegistry(0)
	r.Append(1, "a")
	r.Append(1, "b")
	r.Append(1, "c")

	first := r.Lines(1)
	second := r.Lines(1)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated reads differ: %v vs %v", first, second)
	}
	if len(first) != 3 {
		t.Fatalf("got %d lines, want 3", len(first))
	}
}

func TestLinesUnknownJob(t *testing.T) {
	r := NewRegistry(0)
	if got := r.Lines(99); len(got) != 0 {
		t.Fatalf("unknown job returned %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry(0)

	var got []string
	cancel := r.Subscribe(3, func(line string) {
		got = append(got, line)
	})

	r.Append(3, "before")
	cancel()
	cancel() // idempotent
	r.Append(3, "after")

	if !reflect.DeepEqual(got, []string{"before"}) {
		t.Fatalf("subscriber saw %v after cancel", got)
	}
	if r.HasSubscribers(3) {
		t.Fatal("HasSubscribers true after last unsubscribe")
	}
}

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	r := NewRegistry(0)

	var a, b []string
	cancelA := r.Subscribe(5, func(line string) { a = append(a, line) })
	defer cancelA()
	cancelB := r.Subscribe(5, func(line string) { b = append(b, line) })
	defer cancelB()

	r.Append(5, "x")
	r.Append(5, "y")

	want := []string{"x", "y"}
	if !reflect.DeepEqual(a, want) || !reflect.DeepEqual(b, want) {
		t.Fatalf("fan-out mismatch: a=%v b=%v", a, b)
	}
}

func TestAttachReplaysWithoutGapOrDuplicate(t *testing.T) {
	r := NewRegistry(0)
	r.Append(7, "starting")

	var live []string
	replay, cancel := r.Attach(7, func(line string) {
		live = append(live, line)
	})
	defer cancel()

	if !reflect.DeepEqual(replay, []string{"starting"}) {
		t.Fatalf("replay = %v", replay)
	}

	r.Append(7, "done")

	if !reflect.DeepEqual(live, []string{"done"}) {
		t.Fatalf("live = %v, want only the post-attach line", live)
	}
}

func TestBufferCapDropsOldest(t *testing.T) {
	r := NewRegistry(3)
	for i := 0; i < 5; i++ {
		r.Append(1, fmt.Sprintf("line-%d", i))
	}

	want := []string{"line-2", "line-3", "line-4"}
	if got := r.Lines(1); !reflect.DeepEqual(got, want) {
		t.Fatalf("capped buffer = %v, want %v", got, want)
	}
}

func TestDropReleasesJob(t *testing.T) {
	r := NewRegistry(0)
	r.Append(2, "a")
	r.Subscribe(2, func(string) {})

	r.Drop(2)

	if got := r.Lines(2); len(got) != 0 {
		t.Fatalf("Lines after Drop = %v", got)
	}
	if r.HasSubscribers(2) {
		t.Fatal("HasSubscribers true after Drop")
	}
}
