package telemetry

import "testing"

func TestMultiSwallowsPanickingSink(t *testing.T) {
	var delivered []string
	bad := NotifierFunc(func(string, Fields) { panic("sink down") })
	good := NotifierFunc(func(event string, _ Fields) { delivered = append(delivered, event) })

	m := Multi{bad, good, nil}
	m.Notify(EventQueued, Fields{"id": "1-0"})

	if len(delivered) != 1 || delivered[0] != EventQueued {
		t.Fatalf("good sink should still receive the event, got %v", delivered)
	}
}

func TestEmitToleratesNil(t *testing.T) {
	Emit(nil, EventQueued, nil)

	called := false
	Emit(NotifierFunc(func(string, Fields) { called = true }), EventPromoted, nil)
	if !called {
		t.Fatal("emit should forward to a non-nil sink")
	}
}
