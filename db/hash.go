package db

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"syscall"
)

func hasher(algo string) (h hash.Hash, err error) {
	switch algo {
	case "sha256":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		err = fmt.Errorf("%w: %s", syscall.ENOSYS, algo)
	}
	return
}

// Hash returns the binary digest of buf using algo.
func Hash(algo string, buf []byte) (binhash []byte, err error) {
	h, err := hasher(algo)
	if err != nil {
		return
	}
	_, err = h.Write(buf)
	if err != nil {
		return
	}
	return h.Sum(nil), nil
}

func bin2hex(binhash []byte) string {
	return hex.EncodeToString(binhash)
}
