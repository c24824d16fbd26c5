//go:build !linux

package supervisor

import (
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// findProcesses returns the PIDs whose command name is name
func findProcesses(name string) []int {
	if name == "" {
		return nil
	}
	out, err := exec.Command("ps", "-e", "-o", "pid=,comm=").Output()
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		if filepath.Base(strings.Join(fields[1:], " ")) == name {
			pids = append(pids, pid)
		}
	}
	return pids
}
