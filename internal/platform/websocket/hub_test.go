package websocket

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/notify"
)

func newClient(id string, buffer int) *Client {
	return &Client{ID: id, Send: make(chan []byte, buffer)}
}

func drain(t *testing.T, c *Client) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		select {
		case msg := <-c.Send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func patientEvent(id string, version int) notify.Event {
	return notify.Event{
		Operation:    notify.OpCreate,
		ResourceType: "Patient",
		FHIRID:       id,
		VersionID:    version,
		Timestamp:    time.Now().UTC(),
	}
}

func TestHubTopicRouting(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	byType := newClient("type", 4)
	byInstance := newClient("instance", 4)
	firehose := newClient("firehose", 4)
	hub.Register(byType, []string{"Patient", "Patient/p1"})
	hub.Register(byInstance, []string{"Patient/p1"})
	hub.Register(firehose, []string{TopicAll})

	hub.Notify(context.Background(), patientEvent("p1", 1))

	// byType matches two topics but must receive the event once.
	for _, c := range []*Client{byType, byInstance, firehose} {
		msgs := drain(t, c)
		if len(msgs) != 1 {
			t.Fatalf("client %s received %d messages, want 1", c.ID, len(msgs))
		}
		var ev map[string]interface{}
		if err := json.Unmarshal(msgs[0], &ev); err != nil {
			t.Fatalf("client %s payload: %v", c.ID, err)
		}
		if ev["operation"] != "create" || ev["resourceType"] != "Patient" || ev["id"] != "p1" {
			t.Errorf("client %s payload = %v", c.ID, ev)
		}
	}

	hub.Notify(context.Background(), notify.Event{
		Operation:    notify.OpDelete,
		ResourceType: "Observation",
		FHIRID:       "o1",
		VersionID:    2,
	})
	if msgs := drain(t, byType); len(msgs) != 0 {
		t.Errorf("type subscriber got %d observation events", len(msgs))
	}
	if msgs := drain(t, firehose); len(msgs) != 1 {
		t.Errorf("firehose got %d observation events, want 1", len(msgs))
	}
}

func TestHubSubscriptionLifecycle(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c1", 4)
	hub.Register(c, nil)

	hub.Notify(context.Background(), patientEvent("p1", 1))
	if msgs := drain(t, c); len(msgs) != 0 {
		t.Fatalf("unsubscribed client received %d messages", len(msgs))
	}

	hub.HandleMessage(c, ClientMessage{Action: "subscribe", Topics: []string{"Patient"}})
	if hub.TopicCount("Patient") != 1 {
		t.Fatalf("TopicCount = %d after subscribe", hub.TopicCount("Patient"))
	}
	hub.Notify(context.Background(), patientEvent("p1", 1))
	if msgs := drain(t, c); len(msgs) != 1 {
		t.Fatalf("subscribed client received %d messages, want 1", len(msgs))
	}

	hub.HandleMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{"Patient"}})
	hub.Notify(context.Background(), patientEvent("p1", 2))
	if msgs := drain(t, c); len(msgs) != 0 {
		t.Errorf("client received %d messages after unsubscribe", len(msgs))
	}

	// Unknown actions change nothing.
	hub.HandleMessage(c, ClientMessage{Action: "shout", Topics: []string{"Patient"}})
	if hub.TopicCount("Patient") != 0 {
		t.Errorf("unknown action altered subscriptions")
	}
}

func TestHubUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c1", 1)
	hub.Register(c, []string{"Patient", TopicAll})

	hub.Unregister(c)
	if hub.ClientCount() != 0 || hub.TopicCount("Patient") != 0 || hub.TopicCount(TopicAll) != 0 {
		t.Fatalf("unregister left state: clients %d patient %d all %d",
			hub.ClientCount(), hub.TopicCount("Patient"), hub.TopicCount(TopicAll))
	}
	if _, open := <-c.Send; open {
		t.Error("Send channel still open after unregister")
	}

	// A second unregister must not panic or close twice.
	hub.Unregister(c)

	hub.Notify(context.Background(), patientEvent("p1", 1))
}

func TestHubSlowClientDropsEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("slow", 1)
	hub.Register(c, []string{"Patient"})

	hub.Notify(context.Background(), patientEvent("p1", 1))
	hub.Notify(context.Background(), patientEvent("p1", 2))

	msgs := drain(t, c)
	if len(msgs) != 1 {
		t.Fatalf("slow client holds %d messages, want 1 (overflow dropped)", len(msgs))
	}
	var ev map[string]interface{}
	if err := json.Unmarshal(msgs[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev["versionId"] != float64(1) {
		t.Errorf("kept event version = %v, want the first", ev["versionId"])
	}
}

func TestInitialTopics(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", []string{TopicAll}},
		{" , ,", []string{TopicAll}},
		{"Patient", []string{"Patient"}},
		{"Patient, Observation/5", []string{"Patient", "Observation/5"}},
		{"*", []string{TopicAll}},
	}
	for _, tt := range tests {
		if got := initialTopics(tt.raw); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("initialTopics(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
