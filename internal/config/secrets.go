package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	secretService      = "profilecoach"
	accountOpenRouter  = "openrouter_api_key"
	accountAPIToken    = "api_token"
	envAPIToken        = "PCOACH_API_TOKEN"
	secretsFileName    = "secrets.json"
	generatedTokenSize = 32
)

// SecretStore reads and writes secrets by service and account.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// fileSecrets keeps secrets in a 0600 JSON file under the XDG data directory,
// shaped as {service: {account: value}}.
type fileSecrets struct {
	path string
}

// NewSecretStore returns the default file-backed secret store.
func NewSecretStore() SecretStore {
	return fileSecrets{path: secretsFilePath()}
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), secretsFileName)
}

func (f fileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f fileSecrets) Get(service, account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", fmt.Errorf("secret store not available: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return val, nil
}

func (f fileSecrets) Set(service, account, value string) error {
	secrets, err := f.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, out, 0o600)
}

// GetAPIToken returns the bearer token guarding the HTTP API. It prefers
// PCOACH_API_TOKEN, then the secret store; when neither has one a random
// token is generated and saved.
func GetAPIToken(store SecretStore) (string, error) {
	if tok := os.Getenv(envAPIToken); tok != "" {
		return tok, nil
	}
	if tok, err := store.Get(secretService, accountAPIToken); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, generatedTokenSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := store.Set(secretService, accountAPIToken, tok); err != nil {
		return "", fmt.Errorf("saving api token: %w", err)
	}
	return tok, nil
}
