// Package pathutil expands user supplied paths for config files and disk
// stores.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand replaces $VAR / ${VAR} tokens and a leading "~" with the current
// user's home directory. Relative paths stay relative.
func Expand(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p == "" || p[0] != '~' {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch {
	case len(p) == 1:
		return home, nil
	case p[1] == '/' || p[1] == '\\':
		return filepath.Join(home, p[2:]), nil
	default:
		// ~user forms are left alone.
		return p, nil
	}
}

// Abs expands p and resolves it against the working directory. An empty
// path stays empty.
func Abs(p string) (string, error) {
	expanded, err := Expand(p)
	if err != nil || expanded == "" {
		return expanded, err
	}
	return filepath.Abs(expanded)
}
