//go:build !linux && !windows

package network

import "net"

// ReuseAddrListenConfig returns the default listen config on platforms
// without a socket option hook.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
