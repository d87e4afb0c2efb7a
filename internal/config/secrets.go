package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const tokenKey = "api_token"

func secretsFilePath(dataDir string) string {
	return filepath.Join(dataDir, "secrets.yaml")
}

func readSecrets(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	secrets := map[string]string{}
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

// ensureToken returns the stored API token, creating it on first use.
func ensureToken(path string) (string, error) {
	secrets, err := readSecrets(path)
	if err != nil {
		return "", err
	}
	if tok := secrets[tokenKey]; tok != "" {
		return tok, nil
	}
	secrets[tokenKey] = newToken()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := yaml.Marshal(secrets)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", err
	}
	return secrets[tokenKey], nil
}
