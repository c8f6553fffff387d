package token

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "token"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSaveAndCurrent(t *testing.T) {
	s := testStore(t)

	if _, ok := s.Current(); ok {
		t.Fatal("fresh store should have no token")
	}
	if err := s.Save("bearer-abc"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, ok := s.Current()
	if !ok || got != "bearer-abc" {
		t.Errorf("Current() = %q, %v; want bearer-abc, true", got, ok)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("bearer-xyz"); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reopened.Current()
	if !ok || got != "bearer-xyz" {
		t.Errorf("reopened Current() = %q, %v; want bearer-xyz, true", got, ok)
	}
}

func TestTokenEncryptedOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("super-secret-token"); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "super-secret-token") {
		t.Error("token stored in plaintext")
	}
}

func TestClear(t *testing.T) {
	s := testStore(t)
	if err := s.Save("bearer-abc"); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok := s.Current(); ok {
		t.Error("Current() should report no token after Clear")
	}
	// Clearing an already-clear store is fine.
	if err := s.Clear(); err != nil {
		t.Errorf("second Clear() error = %v", err)
	}
}

func TestWatchDeliversCurrentThenChanges(t *testing.T) {
	s := testStore(t)
	if err := s.Save("initial"); err != nil {
		t.Fatal(err)
	}

	ch, cancel := s.Watch(4)
	defer cancel()

	if got := recv(t, ch); got != "initial" {
		t.Errorf("first value = %q, want initial", got)
	}

	if err := s.Save("rotated"); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, ch); got != "rotated" {
		t.Errorf("after Save = %q, want rotated", got)
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, ch); got != "" {
		t.Errorf("after Clear = %q, want empty", got)
	}
}

func TestWatchCancel(t *testing.T) {
	s := testStore(t)
	ch, cancel := s.Watch(4)
	recv(t, ch) // initial empty value
	cancel()

	if err := s.Save("after-cancel"); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-ch:
		t.Errorf("received %q after cancel", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for token value")
		return ""
	}
}
