package util

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// CalculateHash returns the hex SHA-256 digest over a block's fields in
// the order index, timestamp, payload, previousHash, nonce. Integers are
// written as 8-byte big-endian values and the variable-length fields
// are length-prefixed, so no two field tuples share a digest input. The
// payload must already be in its canonical encoding.
func CalculateHash(index int64, timestamp int64, payload []byte, previousHash string, nonce int64) string {
	buf := make([]byte, 0, 40+len(payload)+len(previousHash))
	buf = binary.BigEndian.AppendUint64(buf, uint64(index))
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestamp))
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(previousHash)))
	buf = append(buf, previousHash...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(nonce))
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// HasLeadingZeros reports whether hash starts with at least n '0' hex
// characters.
func HasLeadingZeros(hash string, n int) bool {
	if n > len(hash) {
		return false
	}
	for i := 0; i < n; i++ {
		if hash[i] != '0' {
			return false
		}
	}
	return true
}
