//go:build unix

package jobregistry

import "syscall"

// detachAttrs puts the launcher in its own session so a terminal hangup does
// not reach it.
func detachAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
