//go:build !linux

package acceptor

import (
	"context"
	"fmt"
	"net"
)

// Listen binds a TCP listener on address. The backlog is left to the
// platform default.
func Listen(ctx context.Context, address string, _ int) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen %s: %w", address, err)
	}
	return ln, nil
}
