package bridge

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cidxlabs/cidx/pkg/atomicfile"
)

// Credentials is the stored login pair used for automatic re-login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialStore encrypts credentials at rest with AES-256-GCM. The key
// lives next to the ciphertext in encryption.key, mode 0600; the protection
// is against casual disk reads, not a hostile local user.
type CredentialStore struct {
	dir string
}

// NewCredentialStore roots the store at dir (normally ~/.mcpb).
func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{dir: dir}
}

func (s *CredentialStore) keyPath() string  { return filepath.Join(s.dir, "encryption.key") }
func (s *CredentialStore) credPath() string { return filepath.Join(s.dir, "credentials.enc") }

// Save encrypts and writes the credentials, generating a key on first use.
func (s *CredentialStore) Save(creds Credentials) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	key, err := s.loadOrCreateKey()
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	if err := atomicfile.Write(s.credPath(), sealed); err != nil {
		return err
	}
	return os.Chmod(s.credPath(), 0600)
}

// Load decrypts the stored credentials.
func (s *CredentialStore) Load() (*Credentials, error) {
	key, err := os.ReadFile(s.keyPath())
	if err != nil {
		return nil, fmt.Errorf("no encryption key: %w", err)
	}
	raw, err := hex.DecodeString(string(key))
	if err != nil {
		return nil, fmt.Errorf("corrupt encryption key: %w", err)
	}

	sealed, err := os.ReadFile(s.credPath())
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("credential file truncated")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// Exists reports whether credentials have been set up.
func (s *CredentialStore) Exists() bool {
	_, err := os.Stat(s.credPath())
	return err == nil
}

func (s *CredentialStore) loadOrCreateKey() ([]byte, error) {
	if data, err := os.ReadFile(s.keyPath()); err == nil {
		return hex.DecodeString(string(data))
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := atomicfile.WriteString(s.keyPath(), hex.EncodeToString(key)); err != nil {
		return nil, err
	}
	if err := os.Chmod(s.keyPath(), 0600); err != nil {
		return nil, err
	}
	return key, nil
}
