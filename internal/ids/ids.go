package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewTransactionID returns a sortable, globally unique transaction identifier.
func NewTransactionID() string {
	return xid.New().String()
}

// NewBranchID returns a time-ordered UUIDv7 string or panics if generation fails.
func NewBranchID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// XID joins the coordinator address and a transaction id into a global
// transaction id ("10.0.0.1:8091:cn2n5p1bd1jo0kqf0ni0").
func XID(address, transactionID string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return transactionID
	}
	return address + ":" + transactionID
}

// SplitXID returns the coordinator address and the transaction id encoded in xid.
func SplitXID(raw string) (address, transactionID string, err error) {
	idx := strings.LastIndexByte(raw, ':')
	if idx < 0 {
		if raw == "" {
			return "", "", fmt.Errorf("ids: empty xid")
		}
		return "", raw, nil
	}
	transactionID = raw[idx+1:]
	if transactionID == "" {
		return "", "", fmt.Errorf("ids: xid %q has no transaction id", raw)
	}
	return raw[:idx], transactionID, nil
}
