//go:build !unix && !windows

package jobregistry

import "syscall"

func detachAttrs() *syscall.SysProcAttr { return nil }
