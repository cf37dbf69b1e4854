package portico

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewIDSortable(t *testing.T) {
	a := NewID()
	b := NewID()
	if a == b {
		t.Fatal("ids collide")
	}
	parsed, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("not a uuid: %v", err)
	}
	if parsed.Version() != 7 {
		t.Errorf("version = %d, want 7", parsed.Version())
	}
	if b < a {
		t.Error("v7 ids should sort by creation time")
	}
}

func TestNewSessionToken(t *testing.T) {
	a := NewSessionToken()
	b := NewSessionToken()
	if a == b {
		t.Fatal("tokens collide")
	}
	if len(a) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(a))
	}
}
