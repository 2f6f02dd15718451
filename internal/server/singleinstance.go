package server

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// instanceKillWait gives killed duplicates time to release their sockets.
const instanceKillWait = 500 * time.Millisecond

// enforceSingleInstance kills other running copies of this binary. A copy
// under a debugger (nonzero TracerPid) is left alone: killing it would take
// the debugging session down with it.
func enforceSingleInstance(log zerolog.Logger) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return err
	}

	killed := 0
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == os.Getpid() {
			continue
		}
		exe, err := os.Readlink(filepath.Join("/proc", e.Name(), "exe"))
		if err != nil {
			continue // other user's process, or gone
		}
		if strings.TrimSuffix(exe, " (deleted)") != self {
			continue
		}
		status, err := os.ReadFile(filepath.Join("/proc", e.Name(), "status"))
		if err == nil && tracerPid(status) != 0 {
			log.Warn().Int("pid", pid).Msg("duplicate instance is being traced, leaving it running")
			continue
		}
		if err := unix.Kill(pid, unix.SIGKILL); err != nil {
			log.Warn().Int("pid", pid).Err(err).Msg("kill duplicate instance")
			continue
		}
		log.Warn().Int("pid", pid).Msg("killed duplicate instance")
		killed++
	}

	if killed > 0 {
		time.Sleep(instanceKillWait)
	}
	return nil
}

// tracerPid extracts the TracerPid field from /proc/<pid>/status content.
func tracerPid(status []byte) int {
	for _, line := range bytes.Split(status, []byte("\n")) {
		rest, ok := bytes.CutPrefix(line, []byte("TracerPid:"))
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(string(bytes.TrimSpace(rest)))
		if err != nil {
			return 0
		}
		return pid
	}
	return 0
}
