// Package xid generates ids for rows the row store has not confirmed yet.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const TemporaryPrefix = "local-"

// Temporary returns an id that never parses as a canonical one, so the
// persistence layer always replaces it with the store-assigned id.
func Temporary() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s%d", TemporaryPrefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s%d-%s", TemporaryPrefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

func IsTemporary(id string) bool {
	return strings.HasPrefix(id, TemporaryPrefix)
}
