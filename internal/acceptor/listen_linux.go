//go:build linux

package acceptor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Listen binds a TCP listener on address with the requested accept backlog.
// The Go runtime always listens with the kernel's somaxconn, so the socket is
// built by hand. A backlog <= 0 or a zoned IPv6 address uses net.ListenConfig.
func Listen(ctx context.Context, address string, backlog int) (net.Listener, error) {
	if backlog <= 0 {
		return listenDefault(ctx, address)
	}
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("acceptor: resolve %q: %w", address, err)
	}
	if addr.Zone != "" {
		return listenDefault(ctx, address)
	}
	var fd int
	switch {
	case addr.IP == nil || (addr.IP.IsUnspecified() && addr.IP.To4() == nil):
		fd, err = bindSocket(unix.AF_INET6, sockaddr6(addr), backlog, true)
		if errors.Is(err, unix.EAFNOSUPPORT) && addr.IP == nil {
			fd, err = bindSocket(unix.AF_INET, sockaddr4(addr), backlog, false)
		}
	case addr.IP.To4() != nil:
		fd, err = bindSocket(unix.AF_INET, sockaddr4(addr), backlog, false)
	default:
		fd, err = bindSocket(unix.AF_INET6, sockaddr6(addr), backlog, false)
	}
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen %s: %w", address, err)
	}
	file := os.NewFile(uintptr(fd), "tcp:"+address)
	ln, err := net.FileListener(file)
	// FileListener dups the descriptor.
	_ = file.Close()
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen %s: %w", address, err)
	}
	return ln, nil
}

func bindSocket(family int, sa unix.Sockaddr, backlog int, dualStack bool) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	fail := func(call string, err error) (int, error) {
		_ = unix.Close(fd)
		return -1, os.NewSyscallError(call, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if family == unix.AF_INET6 {
		v6only := 1
		if dualStack {
			v6only = 0
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only); err != nil {
			return fail("setsockopt", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}
	return fd, nil
}

func sockaddr4(addr *net.TCPAddr) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip := addr.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	return sa
}

func sockaddr6(addr *net.TCPAddr) *unix.SockaddrInet6 {
	sa := &unix.SockaddrInet6{Port: addr.Port}
	if ip := addr.IP.To16(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	return sa
}

func listenDefault(ctx context.Context, address string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen %s: %w", address, err)
	}
	return ln, nil
}
