package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNoToken is returned when no bearer token is stored.
var ErrNoToken = errors.New("no auth token stored")

// Store persists a single bearer token encrypted at rest and fans out
// changes to watchers. An empty value delivered to a watcher means the
// token was cleared.
type Store struct {
	mu       sync.Mutex
	path     string
	current  string
	watchers map[int]chan string
	next     int
}

// NewStore opens the token store at path, loading any existing token.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:     path,
		watchers: make(map[int]chan string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	plain, err := unseal(strings.TrimSpace(string(data)))
	if err != nil {
		// Unreadable token (key changed, corrupt file): treat as absent.
		return s, nil
	}
	s.current = string(plain)
	return s, nil
}

// Current returns the stored token, if any.
func (s *Store) Current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != ""
}

// Save stores a new token and notifies watchers.
func (s *Store) Save(token string) error {
	if token == "" {
		return errors.New("token must not be empty")
	}
	sealed, err := seal([]byte(token))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(s.path, []byte(sealed), 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}

	s.mu.Lock()
	s.current = token
	s.notifyLocked(token)
	s.mu.Unlock()
	return nil
}

// Clear removes the stored token and notifies watchers with an empty value.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.mu.Lock()
	s.current = ""
	s.notifyLocked("")
	s.mu.Unlock()
	return nil
}

// Watch returns a channel that receives the current token immediately and
// every subsequent change. The returned function cancels the watch.
func (s *Store) Watch(bufSize int) (<-chan string, func()) {
	if bufSize < 1 {
		bufSize = 1
	}
	ch := make(chan string, bufSize)

	s.mu.Lock()
	id := s.next
	s.next++
	s.watchers[id] = ch
	ch <- s.current
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notifyLocked(value string) {
	for _, ch := range s.watchers {
		select {
		case ch <- value:
		default:
		}
	}
}

// encryptionKey derives a stable 32-byte key from the machine identity, so
// the token file is unreadable when copied to another host.
func encryptionKey() []byte {
	paths := []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}
	var id string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err == nil {
			id = strings.TrimSpace(string(data))
			break
		}
	}
	if id == "" {
		hostname, _ := os.Hostname()
		id = hostname
	}

	hash := sha256.Sum256([]byte(id))
	return hash[:]
}

func seal(plain []byte) (string, error) {
	aead, err := chacha20poly1305.New(encryptionKey())
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func unseal(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(encryptionKey())
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize() {
		return nil, errors.New("token ciphertext too short")
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
