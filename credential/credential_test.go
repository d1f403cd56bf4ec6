package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
)

func useArrayKeyring(t *testing.T) {
	t.Helper()
	ring := keyring.NewArrayKeyring(nil)
	prev := open
	open = func() (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { open = prev })
}

func TestSetGetDelete(t *testing.T) {
	useArrayKeyring(t)
	key := Key("me@example.org", "imap.example.org")
	if key != "me@example.org@imap.example.org" {
		t.Fatalf("Key() = %q", key)
	}

	if _, err := Get(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() before Set error = %v, want ErrNotFound", err)
	}
	if err := Set(key, "s3cret"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := Get(key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "s3cret" {
		t.Errorf("Get() = %q, want s3cret", got)
	}

	if err := Delete(key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := Get(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
}

func TestSetRejectsEmpty(t *testing.T) {
	useArrayKeyring(t)
	if err := Set("k", ""); err == nil {
		t.Fatal("Set() with empty secret error = nil")
	}
}
