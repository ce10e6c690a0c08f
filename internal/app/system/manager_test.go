package system

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type fakeService struct {
	name     string
	startErr error
	stopErr  error
	events   *[]string
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(context.Context) error {
	*f.events = append(*f.events, "start:"+f.name)
	return f.startErr
}

func (f *fakeService) Stop(context.Context) error {
	*f.events = append(*f.events, "stop:"+f.name)
	return f.stopErr
}

func TestManagerOrder(t *testing.T) {
	var events []string
	m := NewManager(nil)
	for _, name := range []string{"store", "refresher", "http"} {
		if err := m.Register(&fakeService{name: name, events: &events}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := m.Register(&fakeService{name: "http", events: &events}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:store", "start:refresher", "start:http", "stop:http", "stop:refresher", "stop:store"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

func TestManagerStartFailureStopsStarted(t *testing.T) {
	var events []string
	boom := errors.New("boom")
	m := NewManager(nil)
	_ = m.Register(&fakeService{name: "a", events: &events})
	_ = m.Register(&fakeService{name: "b", startErr: boom, events: &events})
	_ = m.Register(&fakeService{name: "c", events: &events})

	err := m.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	want := []string{"start:a", "start:b", "stop:a"}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}
