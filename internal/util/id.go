package util

import (
	"crypto/rand"
	"encoding/base32"
	"strconv"
	"strings"
	"time"
)

var idEncoding = base32.NewEncoding("ybndrfg8ejkmcpqxot1uwisza345h769").WithPadding(base32.NoPadding)

// NewID returns a 26 character id in the server's alphabet, optionally
// prefixed.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	id := idEncoding.EncodeToString(bytes)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewPendingPostID returns the client-side id of an optimistic send:
// "<userID>:<millis>:<nonce>". The nonce keeps two sends in the same
// millisecond apart.
func NewPendingPostID(userID string, now time.Time) string {
	nonce := make([]byte, 5)
	_, _ = rand.Read(nonce)
	return userID + ":" + strconv.FormatInt(now.UnixMilli(), 10) + ":" + idEncoding.EncodeToString(nonce)
}

// IsPendingPostID reports whether id was made by NewPendingPostID.
func IsPendingPostID(id string) bool {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return false
	}
	_, err := strconv.ParseInt(parts[1], 10, 64)
	return err == nil
}
