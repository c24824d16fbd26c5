package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// commLen is the kernel's limit on /proc/<pid>/comm, excluding the newline
const commLen = 15

// findProcesses returns the PIDs whose command name is name
func findProcesses(name string) []int {
	if name == "" {
		return nil
	}
	short := name
	if len(short) > commLen {
		short = short[:commLen]
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		comm, err := os.ReadFile("/proc/" + e.Name() + "/comm")
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) != short {
			continue
		}
		// comm is truncated; confirm long names against argv[0]
		if len(name) > commLen && !argv0Matches(e.Name(), name) {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

func argv0Matches(pid, name string) bool {
	cmdline, err := os.ReadFile("/proc/" + pid + "/cmdline")
	if err != nil {
		return false
	}
	argv0, _, _ := strings.Cut(string(cmdline), "\x00")
	return filepath.Base(argv0) == name
}
