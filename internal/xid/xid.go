// Package xid generates prefixed identifiers for store records.
package xid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// New returns an identifier such as "txn-18c9f2a74e3-09af31b2". The
// millisecond timestamp keeps ids per prefix roughly sortable and the
// random suffix keeps concurrent writers apart.
func New(prefix string) string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%s-%x", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%x-%08x", prefix, time.Now().UnixMilli(), binary.BigEndian.Uint32(buf[:]))
}
