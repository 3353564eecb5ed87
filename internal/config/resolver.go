package config

import (
	"os"
	"path/filepath"
)

// fileName is the config file looked up in the search path.
const fileName = "strata.yaml"

// Resolve returns the config file to load. An explicit path wins; otherwise
// $XDG_CONFIG_HOME/strata/strata.yaml (~/.config when unset) and then
// ./strata.yaml are tried. It returns "" when none exists, meaning the
// built-in defaults apply.
func Resolve(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, path := range searchPath() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func searchPath() []string {
	var candidates []string
	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "strata", fileName))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "strata", fileName))
	}
	return append(candidates, fileName)
}
