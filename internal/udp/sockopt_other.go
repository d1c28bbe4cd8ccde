//go:build !linux

package udp

import "syscall"

func setBroadcast(network, address string, c syscall.RawConn) error { return nil }
