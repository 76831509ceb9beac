package node

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// identitySalt pins the node id derivation so ids are stable across agent
// restarts but distinct from any other hash of the same inputs.
const identitySalt = "decloud-node-v1"

// ZeroWallet is the all-zero EVM address, never a valid node wallet.
const ZeroWallet = "0x0000000000000000000000000000000000000000"

// DeriveID computes the canonical node id from the agent's machine id and
// wallet address: a UUID shaped from SHA-256("{machineId}:{wallet}:salt").
func DeriveID(machineID, walletAddress string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", machineID, strings.ToLower(walletAddress), identitySalt)))
	b := sum[:16]
	// RFC 4122 version 4 / variant 10 bits, matching the UUID wire shape
	// agents expect.
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// ValidWallet reports whether a wallet address is plausibly usable: hex,
// 20 bytes, and not the zero address.
func ValidWallet(addr string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	if addr == ZeroWallet {
		return false
	}
	for _, r := range addr[2:] {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
