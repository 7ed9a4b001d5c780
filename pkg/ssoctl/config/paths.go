package config

import (
	"os"
	"path/filepath"
)

const (
	defaultConfigDirName = "ssoctl"
	defaultConfigFile    = "config.yaml"
	defaultSessionFile   = "session.json"
)

func DefaultConfigPath() string {
	if env := os.Getenv("SSOCTL_CONFIG"); env != "" {
		return env
	}
	base, err := os.UserConfigDir()
	if err == nil {
		return filepath.Join(base, defaultConfigDirName, defaultConfigFile)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ssoctl", defaultConfigFile)
}

func DefaultSessionPath() string {
	base, err := os.UserConfigDir()
	if err == nil {
		return filepath.Join(base, defaultConfigDirName, defaultSessionFile)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ssoctl", defaultSessionFile)
}

// SessionPathForProfile returns the session file of a named profile. The
// default profile uses DefaultSessionPath.
func SessionPathForProfile(profile string) string {
	base := DefaultSessionPath()
	if profile == "" || profile == "default" {
		return base
	}
	return filepath.Join(filepath.Dir(base), "sessions", profile+".json")
}
