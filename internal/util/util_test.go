package util

import (
	"reflect"
	"testing"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)

	for i := 1; i <= 3; i++ {
		if dropped := r.Push(i); dropped {
			t.Fatalf("push %d: unexpected drop before capacity", i)
		}
	}
	if dropped := r.Push(4); !dropped {
		t.Fatal("push 4: expected the oldest element to be dropped")
	}

	if got, want := r.Snapshot(), []int{2, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	if r.Len() != 3 || r.Cap() != 3 {
		t.Fatalf("len/cap = %d/%d, want 3/3", r.Len(), r.Cap())
	}
}

func TestRingBufferPopOrder(t *testing.T) {
	r := NewRingBuffer[string](2)
	r.Push("a")
	r.Push("b")
	r.Push("c")

	for _, want := range []string{"b", "c"} {
		got, ok := r.Pop()
		if !ok || got != want {
			t.Fatalf("pop = %q, %v; want %q, true", got, ok, want)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("pop on empty buffer should report false")
	}

	r.Push("d")
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("len after clear = %d", r.Len())
	}
}

func TestFoldHashStable(t *testing.T) {
	testCases := []struct {
		in   string
		want int32
	}{
		{"", 0},
		{"a", 97},
		{"ab", 97*31 + 98},
		// Wraps at 32 bits like a Java/JS string hash.
		{"192.168.1.20", hashRef("192.168.1.20")},
	}

	for _, tc := range testCases {
		if got := FoldHash(tc.in); got != tc.want {
			t.Errorf("FoldHash(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// hashRef recomputes the hash with explicit 64-bit arithmetic and truncation.
func hashRef(s string) int32 {
	var h int64
	for i := 0; i < len(s); i++ {
		h = int64(int32(h*31 + int64(s[i])))
	}
	return int32(h)
}

func TestFormatBytesFixedWidth(t *testing.T) {
	for _, b := range []float64{0, 99, 1536, 100 * 1024, 5 * 1024 * 1024 * 1024} {
		if got := formatBytes(b); len(got) != 8 {
			t.Errorf("formatBytes(%v) = %q, want 8 chars", b, got)
		}
	}
}
