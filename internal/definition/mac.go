package definition

import (
	"math/rand/v2"
	"net"
)

// MACPrefix is the locally administered prefix used for generated addresses.
var MACPrefix = net.HardwareAddr{0x52, 0x54, 0x00}

// RandomMAC returns a MAC address with MACPrefix and three random non-zero octets.
func RandomMAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	copy(mac, MACPrefix)
	for i := 3; i < 6; i++ {
		mac[i] = byte(1 + rand.IntN(255))
	}
	return mac
}
