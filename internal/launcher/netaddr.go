package launcher

import "net"

const loopback = "127.0.0.1"

// LocalIP returns the address of the interface that would route off-host.
// Dialing UDP sends nothing; it only asks the kernel to pick a source address.
func LocalIP() string {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return loopback
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil || addr.IP.IsUnspecified() {
		return loopback
	}
	return addr.IP.String()
}
