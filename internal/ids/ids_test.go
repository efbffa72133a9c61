package ids_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"pkt.systems/gtxd/internal/ids"
)

func TestNewTransactionIDParses(t *testing.T) {
	t.Parallel()

	raw := ids.NewTransactionID()
	if _, err := xid.FromString(raw); err != nil {
		t.Fatalf("xid.FromString: %v", err)
	}
	if other := ids.NewTransactionID(); other == raw {
		t.Fatal("expected unique transaction ids")
	}
}

func TestNewBranchIDIsUUIDv7(t *testing.T) {
	t.Parallel()

	parsed, err := uuid.Parse(ids.NewBranchID())
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestXIDRoundTrip(t *testing.T) {
	t.Parallel()

	tx := ids.NewTransactionID()
	raw := ids.XID("127.0.0.1:8091", tx)
	addr, got, err := ids.SplitXID(raw)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if addr != "127.0.0.1:8091" || got != tx {
		t.Fatalf("unexpected split result %q %q", addr, got)
	}
	if _, _, err := ids.SplitXID("host:"); err == nil {
		t.Fatal("expected error for missing transaction id")
	}
	if raw := ids.XID("", tx); raw != tx {
		t.Fatalf("expected bare transaction id, got %q", raw)
	}
}
