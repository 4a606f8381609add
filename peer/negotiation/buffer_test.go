package negotiation

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func cand(s string) *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{Candidate: s}
}

func TestCandidateBufferOrder(t *testing.T) {
	var b CandidateBuffer
	b.Add(cand("c1"))
	b.Add(cand("c2"))
	b.Add(nil)
	b.Add(cand("c3"))

	if got := b.DrainIfReady(false); got != nil {
		t.Fatalf("drained %d candidates without remote description", len(got))
	}
	if b.Len() != 4 {
		t.Fatalf("len=%d, want 4", b.Len())
	}

	got := b.DrainIfReady(true)
	want := []string{"c1", "c2", "", "c3"}
	if len(got) != len(want) {
		t.Fatalf("drained %d, want %d", len(got), len(want))
	}
	for i, c := range got {
		if want[i] == "" {
			if c != nil {
				t.Fatalf("[%d] want end-of-candidates marker, got %v", i, c.Candidate)
			}
			continue
		}
		if c == nil || c.Candidate != want[i] {
			t.Fatalf("[%d] got %v, want %s", i, c, want[i])
		}
	}
	if b.Len() != 0 {
		t.Fatal("buffer not cleared after drain")
	}
	if got = b.DrainIfReady(true); got != nil {
		t.Fatal("second drain returned candidates")
	}
}
