package targets

import (
	"os"
	"path/filepath"
	"runtime"
)

// FileName is the target list file looked up in each search location.
const FileName = "ordem.target.xml"

// AppDataPath returns the user-scoped fallback location of the target list.
// Priority on Windows: %LOCALAPPDATA%\Ordem. Elsewhere: XDG_DATA_HOME/ordem > ~/.local/share/ordem.
func AppDataPath() (string, error) {
	if runtime.GOOS == "windows" {
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return filepath.Join(dir, "Ordem", FileName), nil
		}
		dir, err := os.UserCacheDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "Ordem", FileName), nil
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "ordem", FileName), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".local", "share", "ordem", FileName), nil
}

// DefaultSearchPaths returns the working directory file followed by the app-data fallback.
func DefaultSearchPaths() []string {
	paths := []string{FileName}
	if p, err := AppDataPath(); err == nil {
		paths = append(paths, p)
	}
	return paths
}
