package supervisor

import "syscall"

func signalTerm() syscall.Signal {
	return syscall.SIGTERM
}
