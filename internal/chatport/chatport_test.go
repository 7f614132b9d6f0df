package chatport

import "testing"

func TestEncodeDecodeCallbackData_RoundTrip(t *testing.T) {
	data := EncodeCallbackData("ack", "11111111-1111-1111-1111-111111111111")
	if len(data) > 64 {
		t.Fatalf("callback data exceeds 64 bytes: %d", len(data))
	}
	action, incidentID, err := DecodeCallbackData(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if action != "ack" {
		t.Fatalf("expected action ack, got %s", action)
	}
	if incidentID != "11111111-1111-1111-1111-111111111111" {
		t.Fatalf("expected round-tripped incident id, got %s", incidentID)
	}
}

func TestDecodeCallbackData_RejectsMalformed(t *testing.T) {
	cases := []string{"", "v2|ack|x", "v1|ack", "v1||id", "v1|ack|"}
	for _, c := range cases {
		if _, _, err := DecodeCallbackData(c); err == nil {
			t.Fatalf("expected error decoding %q", c)
		}
	}
}
