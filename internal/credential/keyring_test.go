package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
)

func TestStore(t *testing.T) {
	s := New(keyring.NewArrayKeyring([]keyring.Item{
		{Key: "alice@example.com", Data: []byte("secret")},
	}))

	got, err := s.Password("alice@example.com")
	if err != nil {
		t.Fatalf("Password: %v", err)
	}
	if got != "secret" {
		t.Errorf("password = %q", got)
	}

	if _, err := s.Password("bob@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.SetPassword("bob@example.com", "hunter2"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if got, _ := s.Password("bob@example.com"); got != "hunter2" {
		t.Errorf("password after set = %q", got)
	}

	if err := s.Delete("bob@example.com"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Password("bob@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
