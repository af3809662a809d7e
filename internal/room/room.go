// Package room maps a network identity to a short room code and builds the
// well-known peer identifiers that players claim inside a room.
package room

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/1ureka/jamsync/internal/util"
)

const (
	// CodeLength is the number of characters in a derived room code.
	CodeLength = 6

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	slotPrefix = "room-"
	slotInfix  = "-slot"
)

// DeriveRoomID folds an identity string (typically the public IP address)
// into a six character code over A-Z0-9. The same identity always yields the
// same code, so peers on one network land in the same room without sharing
// anything out of band. Collisions are accepted.
func DeriveRoomID(identity string) string {
	v := int64(util.FoldHash(identity))
	if v < 0 {
		v = -v
	}

	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		b.WriteByte(alphabet[v%int64(len(alphabet))])
		v /= int64(len(alphabet))
	}
	return b.String()
}

// SlotPeerID formats the identity a player claims for slot k of roomID.
// Other peers depend on this format byte for byte.
func SlotPeerID(roomID string, k int) string {
	return slotPrefix + roomID + slotInfix + strconv.Itoa(k)
}

// ParseSlotPeerID is the inverse of SlotPeerID.
func ParseSlotPeerID(peerID string) (roomID string, k int, ok bool) {
	if !strings.HasPrefix(peerID, slotPrefix) {
		return "", 0, false
	}
	rest := peerID[len(slotPrefix):]

	i := strings.LastIndex(rest, slotInfix)
	if i <= 0 {
		return "", 0, false
	}

	k, err := strconv.Atoi(rest[i+len(slotInfix):])
	if err != nil || k < 1 {
		return "", 0, false
	}
	return rest[:i], k, true
}

// NewEphemeralID returns a random, never reused identity such as
// "listener-2b1c...". Scanners and listeners use these.
func NewEphemeralID(kind string) string {
	return fmt.Sprintf("%s-%s", kind, uuid.NewString())
}

// ValidCode reports whether code looks like a room code a user may type.
// Derived codes are uppercase alphanumerics; typed codes are accepted in any
// case and with surrounding spaces via NormalizeCode.
func ValidCode(code string) bool {
	if code == "" || len(code) > 32 {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}

// NormalizeCode trims and upper-cases a typed room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
