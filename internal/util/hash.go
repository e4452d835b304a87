package util

import (
	"crypto/sha1"
	"math/big"
)

// PlayerDigest hashes a player name the way the game's session server does:
// the SHA-1 sum is read as a signed big-endian integer and printed in base 16
// without leading zeros.
func PlayerDigest(name string) string {
	sum := sha1.Sum([]byte(name))

	n := new(big.Int).SetBytes(sum[:])
	if sum[0]&0x80 != 0 {
		// two's complement: subtract 2^160
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(sum)*8)))
	}
	return n.Text(16)
}
