package events

import (
	"reflect"
	"testing"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus[int]()

	var got []string
	bus.Subscribe(func(v int) { got = append(got, "first") })
	bus.Subscribe(func(v int) { got = append(got, "second") })

	bus.Publish(1)

	want := []string{"first", "second"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus[string]()

	calls := 0
	unsubscribe := bus.Subscribe(func(string) { calls++ })
	bus.Publish("a")
	unsubscribe()
	unsubscribe() // second call is a no-op
	bus.Publish("b")

	if calls != 1 {
		t.Fatalf("Expected 1 call after unsubscribe, got %d", calls)
	}
	if bus.Len() != 0 {
		t.Fatalf("Expected no handlers left, got %d", bus.Len())
	}
}

func TestBusHandlerMaySubscribeDuringPublish(t *testing.T) {
	bus := NewBus[int]()

	late := 0
	bus.Subscribe(func(int) {
		bus.Subscribe(func(int) { late++ })
	})

	bus.Publish(1)
	if late != 0 {
		t.Fatalf("Handler added during publish should not see that event, got %d calls", late)
	}
	bus.Publish(2)
	if late != 1 {
		t.Fatalf("Expected late handler to see the next event once, got %d", late)
	}
}

func TestRing(t *testing.T) {
	testCases := []struct {
		name       string
		capacity   int
		values     []int
		wantAll    []int
		wantRecent []int
	}{
		{"Empty", 3, nil, nil, nil},
		{"Partial", 3, []int{1, 2}, []int{1, 2}, []int{2, 1}},
		{"Full", 3, []int{1, 2, 3}, []int{1, 2, 3}, []int{3, 2}},
		{"Wrapped", 3, []int{1, 2, 3, 4, 5}, []int{3, 4, 5}, []int{5, 4}},
		{"Zero capacity", 0, []int{7, 8}, []int{8}, []int{8}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRing[int](tc.capacity)
			for _, v := range tc.values {
				r.Add(v)
			}

			if got := r.All(); !reflect.DeepEqual(got, tc.wantAll) {
				t.Fatalf("All: expected %v, got %v", tc.wantAll, got)
			}
			if got := r.Recent(2); !reflect.DeepEqual(got, tc.wantRecent) {
				t.Fatalf("Recent: expected %v, got %v", tc.wantRecent, got)
			}
		})
	}
}

func TestRingLatestAndClear(t *testing.T) {
	r := NewRing[string](2)
	if _, ok := r.Latest(); ok {
		t.Fatal("Empty ring should report no latest value")
	}

	r.Add("a")
	r.Add("b")
	if v, ok := r.Latest(); !ok || v != "b" {
		t.Fatalf("Expected latest %q, got %q (ok=%v)", "b", v, ok)
	}

	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Expected empty ring after Clear, got %d", r.Len())
	}
}
