package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "pufattest"

// DataDir returns the base data directory, honouring PUFATTEST_DATA_DIR.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/pufattest/
//   - Linux:   $XDG_DATA_HOME/pufattest/ or ~/.local/share/pufattest/
//   - Windows: %APPDATA%\pufattest\
func DataDir() string {
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		return dir
	}

	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(home, "AppData", "Roaming", appName)
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home, ".local", "share", appName)
	default:
		return filepath.Join(home, "."+appName)
	}
}

// SupportedConfigFormats lists the file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{".toml", ".json", ".yaml", ".yml"}
}

// FindConfigFile returns the first existing config.<ext> in DataDir, or
// the TOML path if none exists.
func FindConfigFile() string {
	dir := DataDir()
	for _, ext := range SupportedConfigFormats() {
		p := filepath.Join(dir, "config"+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ConfigPath()
}
