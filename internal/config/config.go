// Package config loads server and client settings from TOML or YAML files.
// Keys present in the file override the runtime defaults; absent keys keep them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// SecretEnv overrides the secret of any loaded file.
const SecretEnv = "TCPROUTER_SECRET"

// definedFunc reports whether a top-level key was present in the file.
type definedFunc func(key string) bool

// decode reads path into raw, choosing the format by extension.
func decode(path string, raw any) (definedFunc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(data), raw)
		if err != nil {
			return nil, err
		}
		return func(key string) bool { return meta.IsDefined(key) }, nil
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		keys := map[string]yaml.Node{}
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return nil, err
		}
		return func(key string) bool { _, ok := keys[key]; return ok }, nil
	}
	return nil, fmt.Errorf("config: unsupported file type %q", filepath.Ext(path))
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration", key)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func secretOverride(cur string) string {
	if v, ok := os.LookupEnv(SecretEnv); ok {
		return v
	}
	return cur
}
