package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   /Library/Application Support/edrcore/
//   - Linux:   /etc/edrcore/ (root) or ~/.config/edrcore/
//   - Windows: %ProgramData%\edrcore\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return "/Library/Application Support/edrcore"
	case "windows":
		return filepath.Join(programData(), "edrcore")
	}
	if os.Geteuid() == 0 {
		return "/etc/edrcore"
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "edrcore")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "edrcore")
}

// PlatformDataDir returns the platform-specific data directory, used for
// per-run report databases.
//
// Platform paths:
//   - macOS:   /Library/Application Support/edrcore/data/
//   - Linux:   /var/lib/edrcore/ (root) or ~/.local/share/edrcore/
//   - Windows: %ProgramData%\edrcore\data\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return "/Library/Application Support/edrcore/data"
	case "windows":
		return filepath.Join(programData(), "edrcore", "data")
	}
	if os.Geteuid() == 0 {
		return "/var/lib/edrcore"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "edrcore")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "edrcore")
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return "/Library/Logs/edrcore"
	case "windows":
		return filepath.Join(programData(), "edrcore", "logs")
	}
	if os.Geteuid() == 0 {
		return "/var/log/edrcore"
	}
	return filepath.Join(PlatformDataDir(), "logs")
}

func programData() string {
	if v := os.Getenv("ProgramData"); v != "" {
		return v
	}
	return `C:\ProgramData`
}

// DefaultScanRoots returns the directories walked for files by default:
// the places droppers and persistence usually land.
func DefaultScanRoots() []string {
	switch runtime.GOOS {
	case "windows":
		roots := []string{os.TempDir()}
		if v := os.Getenv("ProgramData"); v != "" {
			roots = append(roots, v)
		}
		if v := os.Getenv("APPDATA"); v != "" {
			roots = append(roots, v)
		}
		if home, err := os.UserHomeDir(); err == nil {
			roots = append(roots, filepath.Join(home, "Downloads"))
		}
		return roots
	case "darwin":
		roots := []string{"/tmp", "/Library/LaunchAgents", "/Library/LaunchDaemons"}
		if home, err := os.UserHomeDir(); err == nil {
			roots = append(roots, filepath.Join(home, "Downloads"), filepath.Join(home, "Library", "LaunchAgents"))
		}
		return roots
	default:
		return []string{"/tmp", "/var/tmp", "/dev/shm"}
	}
}

// DefaultSkipDirs returns directory names the walk never descends into.
func DefaultSkipDirs() []string {
	return []string{".git", "node_modules", "__pycache__", ".cache"}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the current directory and then the config
// directory for config.<ext>. It returns "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
