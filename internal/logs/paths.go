package logs

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appDirName = "mcpchat"

// GetLogDir returns the standard log directory for the current OS
func GetLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appDirName, "logs"), nil
	}

	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, appDirName, "logs"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", appDirName), nil
	default:
		// XDG state directory
		stateDir := os.Getenv("XDG_STATE_HOME")
		if stateDir == "" {
			stateDir = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateDir, appDirName, "logs"), nil
	}
}

// GetLogFilePathWithDir returns the full path for a log file, creating its directory.
// An empty logDir selects the OS default from GetLogDir.
func GetLogFilePathWithDir(logDir, filename string) (string, error) {
	if logDir == "" {
		var err error
		if logDir, err = GetLogDir(); err != nil {
			return "", err
		}
	}

	if strings.HasPrefix(logDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(homeDir, logDir[2:])
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", err
	}

	return filepath.Join(logDir, filename), nil
}
