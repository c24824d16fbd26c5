package supervisor

import "syscall"

// sysProcAttr puts the server in its own process group. Pdeathsig makes the
// kernel SIGTERM the server if the supervisor dies.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
