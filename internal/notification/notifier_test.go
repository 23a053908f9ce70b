package notification

import (
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestFeedRecordsAndPublishes(t *testing.T) {
	feed := NewFeed(2, zaptest.NewLogger(t))

	var seen []string
	feed.Subscribe(func(t Toast) { seen = append(seen, t.Title) })

	feed.Notify(Toast{Title: "one", Severity: SeverityInfo})
	feed.Notify(Toast{Title: "two", Severity: SeverityWarning})
	feed.Notify(Toast{Title: "three", Severity: SeverityError})

	if len(seen) != 3 {
		t.Fatalf("Expected 3 published toasts, got %d", len(seen))
	}

	recent := feed.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("Feed should keep only 2 toasts, got %d", len(recent))
	}
	if recent[0].Title != "three" || recent[1].Title != "two" {
		t.Fatalf("Expected newest first, got %q then %q", recent[0].Title, recent[1].Title)
	}
	if recent[0].Time.IsZero() {
		t.Fatal("Feed should stamp toasts without a time")
	}
}

func TestNotifierFunc(t *testing.T) {
	var got Toast
	var n Notifier = NotifierFunc(func(t Toast) { got = t })

	n.Notify(Toast{Title: "hello", Severity: SeveritySuccess})
	if got.Title != "hello" || got.Severity != SeveritySuccess {
		t.Fatalf("Unexpected toast %+v", got)
	}
}
