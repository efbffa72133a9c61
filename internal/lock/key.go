package lock

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Key identifies one lockable row of a resource.
type Key struct {
	ResourceID string
	Table      string
	Row        string
}

// String renders the key the way it is reported in conflicts.
func (k Key) String() string {
	return k.ResourceID + "^^^" + k.Table + "^^^" + k.Row
}

// Compare orders keys lexicographically on (resource, table, row).
func (k Key) Compare(other Key) int {
	if c := cmp.Compare(k.ResourceID, other.ResourceID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Table, other.Table); c != 0 {
		return c
	}
	return cmp.Compare(k.Row, other.Row)
}

// ParseKeys decodes a serialized lock key string ("table:pk1,pk2;table2:pk3")
// into sorted, de-duplicated keys for resourceID.
func ParseKeys(resourceID, lockKeys string) ([]Key, error) {
	lockKeys = strings.TrimSpace(lockKeys)
	if lockKeys == "" {
		return nil, nil
	}
	var keys []Key
	for _, group := range strings.Split(lockKeys, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		idx := strings.IndexByte(group, ':')
		if idx <= 0 || idx == len(group)-1 {
			return nil, fmt.Errorf("lock: malformed lock key %q", group)
		}
		table := strings.TrimSpace(group[:idx])
		for _, row := range strings.Split(group[idx+1:], ",") {
			row = strings.TrimSpace(row)
			if row == "" {
				continue
			}
			keys = append(keys, Key{ResourceID: resourceID, Table: table, Row: row})
		}
	}
	return SortKeys(keys), nil
}

// SortKeys sorts keys in acquisition order and drops duplicates.
func SortKeys(keys []Key) []Key {
	slices.SortFunc(keys, Key.Compare)
	return slices.Compact(keys)
}
