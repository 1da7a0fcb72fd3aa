// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets loads API keys from a directory of plain-text files and
// from a dotenv file. In the directory, each file is one secret: the
// filename is the key name and the trimmed contents are the value. In a
// dotenv file, SERPAPI_API_KEY=... maps to the key serpapi-api-key.
//
// Supported keys: serpapi-api-key.
package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// SerpAPIKey authenticates the SerpApi-backed search providers.
const SerpAPIKey = "serpapi-api-key"

// Load reads all files in dir and returns a map of filename to trimmed contents.
// A missing directory or missing files are not errors; Load returns an empty map.
// Unreadable files are logged and skipped.
func Load(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets directory %s: %w", dir, err)
	}

	secrets := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Warn().Err(err).Str("secret", name).Msg("could not read secret")
			continue
		}

		value := strings.TrimSpace(string(data))
		if value != "" {
			secrets[name] = value
		}
	}

	return secrets, nil
}

// LoadDotEnv reads a dotenv file and returns its entries keyed by secret
// name. A missing file yields an empty map.
func LoadDotEnv(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if v = strings.TrimSpace(v); v != "" {
			out[SecretName(k)] = v
		}
	}
	return out, nil
}

// Lookup returns the value of secret name. The process environment
// (SERPAPI_API_KEY for serpapi-api-key) wins, then each source in order.
func Lookup(name string, sources ...map[string]string) string {
	if v := strings.TrimSpace(os.Getenv(EnvName(name))); v != "" {
		return v
	}
	for _, src := range sources {
		if v := src[name]; v != "" {
			return v
		}
	}
	return ""
}

// EnvName maps a secret name to its environment variable.
func EnvName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// SecretName maps an environment variable to its secret name.
func SecretName(env string) string {
	return strings.ToLower(strings.ReplaceAll(env, "_", "-"))
}
