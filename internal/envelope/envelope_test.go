package envelope

import (
	"crypto/rand"
	"testing"
)

type chatContent struct {
	Message string `json:"message"`
}

func TestNewAndRoundTrip(t *testing.T) {
	e, err := New(MsgChat, "agent:kasra", "agent:sol:inbox", chatContent{Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Fatal("envelope missing id or timestamp")
	}
	e.WithPriority(PriorityHigh).WithCorrelation("conv-1")

	wire, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(wire)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.ID != e.ID || decoded.Type != MsgChat || decoded.Source != "agent:kasra" {
		t.Errorf("round trip changed envelope: %+v", decoded)
	}
	if decoded.Payload.Metadata.Priority != PriorityHigh || decoded.Payload.Metadata.CorrelationID != "conv-1" {
		t.Error("metadata lost in round trip")
	}

	var content chatContent
	if err := decoded.DecodeContent(&content); err != nil {
		t.Fatal(err)
	}
	if content.Message != "hello" {
		t.Errorf("want hello, got %q", content.Message)
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	if _, err := New(MessageType("telepathy"), "a", "b", nil); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte("{")); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
	if _, err := Decode([]byte(`{"id":"x","type":"telepathy","payload":{}}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := Decode([]byte(`{"type":"chat","payload":{}}`)); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestSignAndVerify(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	s := NewSigner(key)

	e, _ := New(MsgCommand, "service:engine", "agent:sol:inbox", chatContent{Message: "run"})
	if err := s.Sign(e); err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(e); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	s := NewSigner(key)

	e, _ := New(MsgCommand, "service:engine", "agent:sol:inbox", chatContent{Message: "ls"})
	_ = s.Sign(e)

	e.Payload.Content = []byte(`{"message":"rm -rf"}`)
	if err := s.Verify(e); err == nil {
		t.Fatal("should reject tampered payload")
	}
}

func TestVerifyRejectsUnsigned(t *testing.T) {
	s := NewSigner([]byte("k"))
	e, _ := New(MsgEvent, "a", "b", nil)
	if err := s.Verify(e); err == nil {
		t.Fatal("should reject unsigned envelope")
	}
}
