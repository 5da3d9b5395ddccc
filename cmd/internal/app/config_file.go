package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CHATD_"

// LoadEnvLayers fills the process environment from .env and the optional YAML config file.
// Variables already set win over .env, which wins over the file.
func LoadEnvLayers() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: .env: %w", err)
	}

	path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG_FILE"))
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	vals, err := parseConfigFile(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	for k, v := range vals {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// parseConfigFile reads a flat YAML mapping of config keys to scalars. Keys may be written as
// "CHATD_HTTP_ADDR", "http_addr" or "http-addr"; all map to the same variable.
func parseConfigFile(raw []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		key := envKey(k)
		if key == envPrefix {
			return nil, errors.New("empty key")
		}
		switch val := v.(type) {
		case nil:
			continue
		case map[string]any:
			return nil, fmt.Errorf("%s: nested values are not supported", k)
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func envKey(k string) string {
	k = strings.ToUpper(strings.TrimSpace(k))
	k = strings.ReplaceAll(k, "-", "_")
	k = strings.ReplaceAll(k, ".", "_")
	if !strings.HasPrefix(k, envPrefix) {
		k = envPrefix + k
	}
	return k
}
