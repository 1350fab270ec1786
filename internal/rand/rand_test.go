package rand

import "testing"

func TestNewMessageIDLength(t *testing.T) {
	for _, n := range []int{1, 7, 16, 33} {
		id := NewMessageID(n)
		if len(id) != n {
			t.Fatalf("expected length %d, got %d (%q)", n, len(id), id)
		}
	}
}

func TestNewMessageIDUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		id := NewMessageID(16)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = struct{}{}
	}
}

func BenchmarkNewMessageID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewMessageID(16)
	}
}
