package room

import (
	"strings"
	"testing"
)

func TestDeriveRoomIDDeterministic(t *testing.T) {
	a := DeriveRoomID("203.0.113.7")
	b := DeriveRoomID("203.0.113.7")
	if a != b {
		t.Fatalf("same identity gave %q and %q", a, b)
	}
	if len(a) != CodeLength {
		t.Fatalf("len(%q) = %d, want %d", a, len(a), CodeLength)
	}
	if !ValidCode(a) {
		t.Fatalf("derived code %q is not valid", a)
	}
	if DeriveRoomID("203.0.113.8") == a {
		t.Fatalf("neighbouring identities should not collide in this case")
	}
}

func TestDeriveRoomIDEmptyIdentity(t *testing.T) {
	if got := DeriveRoomID(""); got != strings.Repeat("A", CodeLength) {
		t.Fatalf("DeriveRoomID(\"\") = %q", got)
	}
}

func TestSlotPeerIDRoundTrip(t *testing.T) {
	testCases := []struct {
		room string
		k    int
		want string
	}{
		{"ABC123", 1, "room-ABC123-slot1"},
		{"ABC123", 20, "room-ABC123-slot20"},
		{"with-dash", 3, "room-with-dash-slot3"},
	}

	for _, tc := range testCases {
		got := SlotPeerID(tc.room, tc.k)
		if got != tc.want {
			t.Errorf("SlotPeerID(%q, %d) = %q, want %q", tc.room, tc.k, got, tc.want)
		}
		room, k, ok := ParseSlotPeerID(got)
		if !ok || room != tc.room || k != tc.k {
			t.Errorf("ParseSlotPeerID(%q) = %q, %d, %v", got, room, k, ok)
		}
	}
}

func TestParseSlotPeerIDRejects(t *testing.T) {
	for _, id := range []string{
		"",
		"listener-1234",
		"room--slot1",
		"room-ABC-slot",
		"room-ABC-slot0",
		"room-ABC-slotX",
	} {
		if _, _, ok := ParseSlotPeerID(id); ok {
			t.Errorf("ParseSlotPeerID(%q) should fail", id)
		}
	}
}

func TestNewEphemeralIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewEphemeralID("scan")
		if !strings.HasPrefix(id, "scan-") {
			t.Fatalf("id %q lacks prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode("  abc12z "); got != "ABC12Z" {
		t.Fatalf("NormalizeCode = %q", got)
	}
	if ValidCode("abc") {
		t.Fatal("lowercase code should be invalid before normalization")
	}
}
