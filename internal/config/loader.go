package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// varRef matches ${NAME} and ${NAME:-fallback}. Group 1 is the name, group
// 2 the fallback (absent when there is no ":-").
var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// LookupFunc resolves an environment variable, like os.LookupEnv.
type LookupFunc func(name string) (string, bool)

// LoadOrDefault loads the file Resolve picks for explicit, or returns the
// built-in defaults when there is none.
func LoadOrDefault(explicit string) (*Config, string, error) {
	path := Resolve(explicit)
	if path == "" {
		return Default(), "", nil
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Load reads the YAML file at path and parses it with the process
// environment.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg, err := Parse(raw, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse substitutes variable references in raw, decodes it strictly (unknown
// keys are errors), and fills defaults. An empty document yields the
// defaults.
func Parse(raw []byte, lookup LookupFunc) (*Config, error) {
	expanded, err := substitute(raw, lookup)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	cfg.defaults()
	return &cfg, nil
}

// substitute replaces every variable reference in raw. References with no
// value and no fallback are reported together, each name once.
func substitute(raw []byte, lookup LookupFunc) ([]byte, error) {
	var (
		out      bytes.Buffer
		missing  []string
		consumed int
	)
	for _, loc := range varRef.FindAllSubmatchIndex(raw, -1) {
		out.Write(raw[consumed:loc[0]])
		consumed = loc[1]

		name := string(raw[loc[2]:loc[3]])
		if v, ok := lookup(name); ok {
			out.WriteString(v)
			continue
		}
		if loc[4] >= 0 {
			out.Write(raw[loc[4]:loc[5]])
			continue
		}
		out.Write(raw[loc[0]:loc[1]])
		if !slices.Contains(missing, name) {
			missing = append(missing, name)
		}
	}
	out.Write(raw[consumed:])

	if len(missing) > 0 {
		return nil, fmt.Errorf("unresolved variables: %s", strings.Join(missing, ", "))
	}
	return out.Bytes(), nil
}
