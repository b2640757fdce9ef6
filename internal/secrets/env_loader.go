package secrets

import (
	"fmt"
	"maps"
	"os"
	"strings"
)

// EnvLoader returns a Loader that reads the specified environment variables.
// Missing variables are silently omitted from the result map.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// FileLoader returns a Loader that reads key's value from path, trimming
// surrounding whitespace. An empty path yields nothing.
func FileLoader(key, path string) Loader {
	return func() (map[string]string, error) {
		if path == "" {
			return map[string]string{}, nil
		}
		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		v := strings.TrimSpace(string(data))
		if v == "" {
			return map[string]string{}, nil
		}
		return map[string]string{key: v}, nil
	}
}

// StaticLoader returns fixed values, skipping empty ones.
func StaticLoader(vals map[string]string) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string, len(vals))
		for k, v := range vals {
			if v != "" {
				out[k] = v
			}
		}
		return out, nil
	}
}

// Chain merges several loaders; later loaders override earlier ones.
func Chain(loaders ...Loader) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string)
		for _, l := range loaders {
			vals, err := l()
			if err != nil {
				return nil, err
			}
			maps.Copy(out, vals)
		}
		return out, nil
	}
}
