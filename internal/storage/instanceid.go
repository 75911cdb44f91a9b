package storage

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
)

// NewOwnerID returns the identity a worker records on the leases and job locks it
// holds: role, hostname, pid and a random suffix so two workers on one host differ.
func NewOwnerID(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return role + "@" + host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
}
