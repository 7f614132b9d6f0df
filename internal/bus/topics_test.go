package bus

import "testing"

func TestEventTopics_Constants(t *testing.T) {
	topics := []string{
		TopicIncidentOpened,
		TopicIncidentAcked,
		TopicIncidentCanceled,
		TopicIncidentExhausted,
		TopicOutboxSent,
		TopicOutboxFailed,
		TopicScheduledActionRan,
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("topic constant must not be empty")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic constant: %s", topic)
		}
		seen[topic] = true
	}
}

func TestIncidentOpenedEvent_Fields(t *testing.T) {
	event := IncidentOpenedEvent{IncidentID: "inc-1", TravelerID: "trav-1"}
	if event.IncidentID != "inc-1" || event.TravelerID != "trav-1" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestIncidentResolvedEvent_Fields(t *testing.T) {
	event := IncidentResolvedEvent{
		IncidentID: "inc-1",
		Status:     "acknowledged",
		ByUserID:   "user-2",
		Via:        "chat-button",
	}
	if event.Status != "acknowledged" {
		t.Fatalf("unexpected status: %s", event.Status)
	}
}
