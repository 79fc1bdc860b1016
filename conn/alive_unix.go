// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux || darwin || freebsd || netbsd || openbsd

package conn

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// isAlive peeks at the socket without blocking. An idle HTTP/1.1 connection
// must have nothing to read: end-of-stream means the backend closed it, and
// pending bytes mean it sent something nobody asked for. Either way the
// connection cannot carry another request.
func isAlive(c net.Conn) bool {
	// supports getting passed a *tls.Conn or similar
	for {
		v, ok := c.(interface{ NetConn() net.Conn })
		if !ok {
			break
		}
		c = v.NetConn()
	}
	sc, ok := c.(syscall.Conn)
	if !ok {
		return true
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	alive := false
	var buf [1]byte
	err = rc.Read(func(fd uintptr) bool {
		_, _, err := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		alive = errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
		return true
	})
	return err == nil && alive
}
