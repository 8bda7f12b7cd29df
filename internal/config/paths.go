package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
)

// AppName scopes per-user directories.
const AppName = "ttsd"

// FileName is the default name of the dispatch configuration document.
const FileName = "dispatch.json"

// ConfigDirs returns the candidate configuration directories in priority
// order: TTSD_CONFIG_HOME, XDG_CONFIG_HOME/ttsd, then the platform dirs.
func ConfigDirs() ([]string, error) {
	scope := gap.NewScope(gap.User, AppName)
	dirs, err := scope.ConfigDirs()
	if err != nil {
		return nil, err
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, AppName)}, dirs...)
	}

	if c := os.Getenv("TTSD_CONFIG_HOME"); c != "" {
		dirs = append([]string{ExpandPath(c)}, dirs...)
	}

	if len(dirs) == 0 {
		return nil, errors.New("no configuration directory available")
	}
	return dirs, nil
}

// DefaultPath returns the well-known location of the dispatch document.
func DefaultPath() (string, error) {
	dirs, err := ConfigDirs()
	if err != nil {
		return "", err
	}
	return filepath.Join(dirs[0], FileName), nil
}

// DataDir returns the per-user data directory, used for logs and cache.
func DataDir() (string, error) {
	scope := gap.NewScope(gap.User, AppName)
	dirs, err := scope.DataDirs()
	if err != nil {
		return "", err
	}
	if len(dirs) == 0 {
		return "", errors.New("no data directory available")
	}
	return dirs[0], nil
}

// ExpandPath expands a leading ~ and environment variables.
func ExpandPath(path string) string {
	path = os.ExpandEnv(path)
	if expanded, err := homedir.Expand(path); err == nil {
		return expanded
	}
	return path
}
