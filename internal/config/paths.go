package config

import (
	"os"
	"path/filepath"
)

// ControlDir returns the directory holding session state and sockets:
// $VIBETUNNEL_CONTROL_DIR when set, otherwise $HOME/.vibetunnel.
func ControlDir() (string, error) {
	if dir := os.Getenv("VIBETUNNEL_CONTROL_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".vibetunnel"), nil
}

// DefaultConfigPath returns the persistent config location. Unlike the
// control directory it is not overridable; the config file always lives
// under the user's home.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".vibetunnel", "config.json"), nil
}

// APISocketPath returns the host-wide control socket path.
func APISocketPath(controlDir string) string {
	return filepath.Join(controlDir, "api.sock")
}

// SessionDir returns the directory for one session's state.
func SessionDir(controlDir, sessionID string) string {
	return filepath.Join(controlDir, sessionID)
}

// StreamPath returns a session's asciinema stream file.
func StreamPath(controlDir, sessionID string) string {
	return filepath.Join(controlDir, sessionID, "stdout")
}

// MetaPath returns a session's metadata file.
func MetaPath(controlDir, sessionID string) string {
	return filepath.Join(controlDir, sessionID, "meta.json")
}

// SessionSocketPath returns a session's per-session control socket.
func SessionSocketPath(controlDir, sessionID string) string {
	return filepath.Join(controlDir, sessionID, "ipc.sock")
}

// StdinPipePath returns a session's optional stdin FIFO.
func StdinPipePath(controlDir, sessionID string) string {
	return filepath.Join(controlDir, sessionID, "stdin")
}

// EnsureControlDir creates the control directory if needed. Sockets live
// inside, so it is private to the user.
func EnsureControlDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}
