package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrSecretNotFound is returned when an account has no stored value.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore keeps tokens outside the regular config file.
type SecretStore interface {
	Get(account string) (string, error)
	Set(account, value string) error
}

// FileSecrets is a SecretStore backed by a 0600 JSON file.
type FileSecrets struct {
	mu   sync.Mutex
	path string
}

// NewSecretStore returns the secrets file under the data home.
func NewSecretStore() *FileSecrets {
	return &FileSecrets{path: secretsFilePath()}
}

// NewFileSecrets returns a secret store at an explicit path.
func NewFileSecrets(path string) *FileSecrets {
	return &FileSecrets{path: path}
}

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "folia", "secrets.json")
}

func (f *FileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f *FileSecrets) Get(account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[account]
	if !ok || v == "" {
		return "", fmt.Errorf("%s: %w", account, ErrSecretNotFound)
	}
	return v, nil
}

func (f *FileSecrets) Set(account, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil {
		return err
	}
	secrets[account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

const apiTokenAccount = "api_token"

// APIToken returns the bearer token guarding the local API, generating and
// storing one on first use. FOLIA_API_TOKEN takes precedence.
func APIToken(s SecretStore) (string, error) {
	if v := os.Getenv("FOLIA_API_TOKEN"); v != "" {
		return v, nil
	}
	v, err := s.Get(apiTokenAccount)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := s.Set(apiTokenAccount, token); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return token, nil
}
