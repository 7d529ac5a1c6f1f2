package events

import "testing"

func TestNewAssignsUniqueIDs(t *testing.T) {
	a := New(SourceSSL, 1000, nil)
	b := New(SourceSSL, 1000, nil)
	if a.ID == b.ID {
		t.Fatalf("expected distinct IDs, got %s twice", a.ID)
	}
}

func TestFieldAccessorsFromDecodedJSON(t *testing.T) {
	e := Event{
		Source: SourceSSL,
		Payload: map[string]any{
			"comm":         "curl",
			"pid":          float64(42),
			"len":          float64(128),
			"is_handshake": false,
			"tid":          float64(7),
		},
	}

	if got := e.StringField("comm"); got != "curl" {
		t.Errorf("StringField(comm) = %q, want curl", got)
	}
	if got := e.IntField("pid"); got != 42 {
		t.Errorf("IntField(pid) = %d, want 42", got)
	}
	if got := e.Int64Field("tid"); got != 7 {
		t.Errorf("Int64Field(tid) = %d, want 7", got)
	}
	if e.BoolField("is_handshake") {
		t.Errorf("BoolField(is_handshake) = true, want false")
	}
	if got := e.StringField("missing"); got != "" {
		t.Errorf("StringField(missing) = %q, want empty", got)
	}
}
