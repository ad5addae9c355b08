package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func receiveEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return event
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event within deadline")
	}
	return Event{}
}

func TestHubDeliversToRoomMembers(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := hub.Connect(ctx, "observer-1")
	if err := hub.Join(subscription.ID(), EstablishmentRoom(7)); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	published := hub.Publish(EstablishmentRoom(7), "draft_updated", map[string]int{"revision": 1})
	if published.Sequence != 1 {
		t.Fatalf("expected first sequence 1, got %d", published.Sequence)
	}

	received := receiveEvent(t, subscription.Events())
	if received.Name != "draft_updated" || received.Room != "establishment_7" {
		t.Fatalf("unexpected event %#v", received)
	}
}

func TestHubIsolatesRooms(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	establishmentObserver := hub.Connect(ctx, "observer-1")
	inspectionObserver := hub.Connect(ctx, "observer-1")
	if err := hub.Join(establishmentObserver.ID(), EstablishmentRoom(3)); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := hub.Join(inspectionObserver.ID(), InspectionRoom(3)); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	hub.Publish(InspectionRoom(3), "draft_reset", nil)

	select {
	case <-establishmentObserver.Events():
		t.Fatal("did not expect event for unrelated room")
	case <-time.After(100 * time.Millisecond):
	}
	if received := receiveEvent(t, inspectionObserver.Events()); received.Room != "inspection_3" {
		t.Fatalf("unexpected room %s", received.Room)
	}
}

func TestHubPreservesPublishOrderPerRoom(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 256})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := hub.Connect(ctx, "observer-1")
	if err := hub.Join(subscription.ID(), EstablishmentRoom(1)); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	var waitGroup sync.WaitGroup
	for publisher := 0; publisher < 4; publisher++ {
		waitGroup.Add(1)
		go func(publisher int) {
			defer waitGroup.Done()
			for index := 0; index < 25; index++ {
				hub.Publish(EstablishmentRoom(1), "draft_updated", fmt.Sprintf("%d-%d", publisher, index))
			}
		}(publisher)
	}
	waitGroup.Wait()

	var previous uint64
	for index := 0; index < 100; index++ {
		event := receiveEvent(t, subscription.Events())
		if event.Sequence != previous+1 {
			t.Fatalf("expected sequence %d, got %d", previous+1, event.Sequence)
		}
		previous = event.Sequence
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	hub := NewHub(HubConfig{BufferSize: 1, Logger: zap.New(core)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := hub.Connect(ctx, "observer-1")
	if err := hub.Join(slow.ID(), EstablishmentRoom(5)); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	hub.Publish(EstablishmentRoom(5), "draft_updated", 1)
	hub.Publish(EstablishmentRoom(5), "draft_updated", 2)

	if hub.Connected(slow.ID()) {
		t.Fatalf("expected slow subscriber to be disconnected")
	}
	if hub.Members(EstablishmentRoom(5)) != 0 {
		t.Fatalf("expected room to be empty after drop")
	}
	first := receiveEvent(t, slow.Events())
	if first.Payload != 1 {
		t.Fatalf("expected buffered event to survive, got %#v", first.Payload)
	}
	if _, ok := <-slow.Events(); ok {
		t.Fatalf("expected stream to be closed after drop")
	}
	if logs.FilterMessage("realtime subscriber dropped").Len() != 1 {
		t.Fatalf("expected one drop warning, got %d", logs.Len())
	}
}

func TestHubContextCancelDisconnects(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	subscription := hub.Connect(ctx, "observer-1")
	if err := hub.Join(subscription.ID(), InspectionRoom(9)); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for hub.Connected(subscription.ID()) {
		if time.Now().After(deadline) {
			t.Fatal("expected connection to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Members(InspectionRoom(9)) != 0 {
		t.Fatalf("expected membership to end with the connection")
	}
	if err := hub.Join(subscription.ID(), InspectionRoom(9)); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expected unknown connection, got %v", err)
	}
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := hub.Connect(ctx, "observer-1")
	room := EstablishmentRoom(2)
	if err := hub.Join(subscription.ID(), room); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := hub.Leave(subscription.ID(), room); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	hub.Publish(room, "draft_updated", nil)

	select {
	case <-subscription.Events():
		t.Fatal("did not expect event after leaving")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestValidateRoom(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "establishment", input: "establishment_12"},
		{name: "inspection", input: " inspection_4 "},
		{name: "zero id", input: "establishment_0", wantErr: true},
		{name: "unknown prefix", input: "user_4", wantErr: true},
		{name: "non numeric", input: "inspection_abc", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := ValidateRoom(testCase.input)
			if testCase.wantErr && !errors.Is(err, ErrInvalidRoom) {
				t.Fatalf("expected invalid room error, got %v", err)
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestHubRejectsRoomChangesFromAnotherActor(t *testing.T) {
	hub := NewHub(HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscription := hub.Connect(ctx, "encargado-1")
	if subscription.Owner() != "encargado-1" {
		t.Fatalf("unexpected owner %q", subscription.Owner())
	}
	if err := hub.JoinAs("inspector-2", subscription.ID(), EstablishmentRoom(4)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected foreign join to be rejected, got %v", err)
	}
	if hub.Members(EstablishmentRoom(4)) != 0 {
		t.Fatal("rejected join must not create a membership")
	}
	if err := hub.JoinAs("encargado-1", subscription.ID(), EstablishmentRoom(4)); err != nil {
		t.Fatalf("owner join failed: %v", err)
	}
	if err := hub.LeaveAs("inspector-2", subscription.ID(), EstablishmentRoom(4)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected foreign leave to be rejected, got %v", err)
	}
	if hub.Members(EstablishmentRoom(4)) != 1 {
		t.Fatal("rejected leave must keep the membership")
	}
	if err := hub.LeaveAs("encargado-1", subscription.ID(), EstablishmentRoom(4)); err != nil {
		t.Fatalf("owner leave failed: %v", err)
	}
	if hub.Members(EstablishmentRoom(4)) != 0 {
		t.Fatal("expected room to be empty after the owner left")
	}
}
