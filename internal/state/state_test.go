package state

import (
	"fmt"
	"log/slog"
	"net/netip"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRegisterAndLookup(t *testing.T) {
	tbl := NewUserTable(discard())

	if !tbl.Register("1234", "Alice", "sip:1234@10.1.1.2", "10.1.1.2", 5060, 3600) {
		t.Fatal("register failed")
	}
	u, ok := tbl.Lookup("1234")
	if !ok {
		t.Fatal("user not found after register")
	}
	if !u.Active {
		t.Error("user not active after register")
	}
	if u.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q, want Alice", u.DisplayName)
	}
	if u.IP != "10.1.1.2" || u.Port != 5060 {
		t.Errorf("contact = %s:%d, want 10.1.1.2:5060", u.IP, u.Port)
	}
	if !u.Registered() {
		t.Error("Registered() = false for fresh binding")
	}
}

func TestRegisterExpiresZeroDeactivates(t *testing.T) {
	tbl := NewUserTable(discard())
	tbl.Register("1234", "Alice", "sip:1234@10.1.1.2", "10.1.1.2", 5060, 3600)
	tbl.Register("1234", "", "sip:1234@10.1.1.2", "10.1.1.2", 5060, 0)

	u, ok := tbl.Lookup("1234")
	if !ok {
		t.Fatal("user vanished on deregister")
	}
	if u.Active {
		t.Error("user still active after expires=0")
	}
	if u.Registered() {
		t.Error("Registered() = true after expires=0")
	}
	// Display name from the original registration survives.
	if u.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q, want Alice", u.DisplayName)
	}
}

func TestUserTableCapacity(t *testing.T) {
	tbl := NewUserTable(discard())
	for i := 0; i < MaxUsers; i++ {
		id := fmt.Sprintf("%04d", i)
		if !tbl.Register(id, "", "", "10.0.0.1", 5060, 3600) {
			t.Fatalf("register %s failed below capacity", id)
		}
	}
	if tbl.Register("overflow", "", "", "10.0.0.1", 5060, 3600) {
		t.Error("register succeeded past capacity")
	}
	// Updating an existing user still works at capacity.
	if !tbl.Register("0000", "", "", "10.0.0.9", 5060, 3600) {
		t.Error("update of existing user failed at capacity")
	}
}

func TestDirectoryUpsertAndReconcile(t *testing.T) {
	tbl := NewUserTable(discard())
	tbl.UpsertDirectory("1001", "John Doe (K1ABC)", true)
	tbl.UpsertDirectory("1002", "Jane Roe (K2XYZ)", false)

	u, _ := tbl.Lookup("1001")
	if !u.KnownFromDirectory || !u.Active {
		t.Errorf("1001 = %+v, want directory-known and active", u)
	}
	u, _ = tbl.Lookup("1002")
	if u.Active {
		t.Error("1002 active despite inactive marker")
	}

	// 1001 disappears from the next artifact, 1002 stays.
	n := tbl.ReconcileDirectory(map[string]bool{"1002": true})
	if n != 1 {
		t.Errorf("deactivated %d users, want 1", n)
	}
	u, _ = tbl.Lookup("1001")
	if u.Active {
		t.Error("1001 still active after dropping from directory")
	}
}

func TestReconcileSparesRegisteredUsers(t *testing.T) {
	tbl := NewUserTable(discard())
	tbl.UpsertDirectory("1001", "John Doe (K1ABC)", true)
	tbl.Register("1001", "", "sip:1001@10.1.1.3", "10.1.1.3", 5060, 3600)

	tbl.ReconcileDirectory(map[string]bool{})
	u, _ := tbl.Lookup("1001")
	if !u.Active {
		t.Error("live registration deactivated by directory reconcile")
	}
}

func TestDirectoryDoesNotOverrideRegistration(t *testing.T) {
	tbl := NewUserTable(discard())
	tbl.Register("1001", "Alice", "sip:1001@10.1.1.3", "10.1.1.3", 5060, 0)
	tbl.UpsertDirectory("1001", "Alice Doe (K1ABC)", true)

	u, _ := tbl.Lookup("1001")
	if !u.Active {
		t.Error("directory entry should reactivate a lapsed user")
	}
	if u.DisplayName != "Alice Doe (K1ABC)" {
		t.Errorf("DisplayName = %q, want directory name", u.DisplayName)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	tbl := NewUserTable(discard())
	for _, id := range []string{"30", "10", "20"} {
		tbl.Register(id, "", "", "10.0.0.1", 5060, 3600)
	}
	snap := tbl.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snap))
	}
	if snap[0].ID != "10" || snap[1].ID != "20" || snap[2].ID != "30" {
		t.Errorf("snapshot not ordered: %v %v %v", snap[0].ID, snap[1].ID, snap[2].ID)
	}
}

func addr(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func TestSessionLifecycle(t *testing.T) {
	tbl := NewSessionTable(discard())

	err := tbl.Create("abc@host", "1234", "5678", addr("10.1.1.2:5060"), addr("10.1.1.3:5060"), "tag-a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s, ok := tbl.Lookup("abc@host")
	if !ok {
		t.Fatal("session not found")
	}
	if s.State != StateInviteSent {
		t.Errorf("state = %v, want INVITE_SENT", s.State)
	}

	tbl.SetState("abc@host", StateRinging, "")
	tbl.SetState("abc@host", StateEstablished, "tag-b")

	s, _ = tbl.Lookup("abc@host")
	if s.State != StateEstablished {
		t.Errorf("state = %v, want ESTABLISHED", s.State)
	}
	if s.FromTag != "tag-a" || s.ToTag != "tag-b" {
		t.Errorf("tags = %q/%q, want tag-a/tag-b", s.FromTag, s.ToTag)
	}

	if !tbl.Free("abc@host") {
		t.Error("free failed")
	}
	if _, ok := tbl.Lookup("abc@host"); ok {
		t.Error("session still present after free")
	}
	if tbl.Free("abc@host") {
		t.Error("double free reported success")
	}
}

func TestSessionDuplicateCallID(t *testing.T) {
	tbl := NewSessionTable(discard())
	a := addr("10.1.1.2:5060")
	b := addr("10.1.1.3:5060")
	if err := tbl.Create("dup", "1", "2", a, b, "t"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Create("dup", "1", "2", a, b, "t"); err != ErrSessionExists {
		t.Errorf("err = %v, want ErrSessionExists", err)
	}
}

func TestSessionTableFull(t *testing.T) {
	tbl := NewSessionTable(discard())
	a := addr("10.1.1.2:5060")
	b := addr("10.1.1.3:5060")
	for i := 0; i < MaxSessions; i++ {
		if err := tbl.Create(fmt.Sprintf("call-%d", i), "1", "2", a, b, "t"); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if err := tbl.Create("one-too-many", "1", "2", a, b, "t"); err != ErrSessionTableFull {
		t.Errorf("err = %v, want ErrSessionTableFull", err)
	}
	tbl.Free("call-0")
	if err := tbl.Create("reuse", "1", "2", a, b, "t"); err != nil {
		t.Errorf("create after free: %v", err)
	}
}

func TestProbeHistoryRing(t *testing.T) {
	h := NewProbeHistory()
	for i := 0; i < HistorySize+5; i++ {
		h.Append(ProbeResult{DstIP: fmt.Sprintf("10.0.0.%d", i), Timestamp: time.Now()})
	}
	if h.Len() != HistorySize {
		t.Fatalf("len = %d, want %d", h.Len(), HistorySize)
	}
	snap := h.Snapshot()
	if len(snap) != HistorySize {
		t.Fatalf("snapshot len = %d, want %d", len(snap), HistorySize)
	}
	// Oldest surviving entry is the sixth appended.
	if snap[0].DstIP != "10.0.0.5" {
		t.Errorf("oldest = %s, want 10.0.0.5", snap[0].DstIP)
	}
	if snap[HistorySize-1].DstIP != fmt.Sprintf("10.0.0.%d", HistorySize+4) {
		t.Errorf("newest = %s", snap[HistorySize-1].DstIP)
	}
}

func TestProbeHistoryPartial(t *testing.T) {
	h := NewProbeHistory()
	h.Append(ProbeResult{DstIP: "10.0.0.1"})
	h.Append(ProbeResult{DstIP: "10.0.0.2"})
	snap := h.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap[0].DstIP != "10.0.0.1" || snap[1].DstIP != "10.0.0.2" {
		t.Errorf("order wrong: %v", snap)
	}
}
