package negotiation

import "github.com/pion/webrtc/v4"

// CandidateBuffer holds remote candidates that arrived before a remote
// description. A nil entry is the end-of-candidates marker.
// It is not safe for concurrent use, the engine guards it.
type CandidateBuffer struct {
	pending []*webrtc.ICECandidateInit
}

func (b *CandidateBuffer) Add(c *webrtc.ICECandidateInit) {
	b.pending = append(b.pending, c)
}

// DrainIfReady returns buffered candidates in arrival order and clears the
// buffer, but only once a remote description is present.
func (b *CandidateBuffer) DrainIfReady(hasRemoteDescription bool) []*webrtc.ICECandidateInit {
	if !hasRemoteDescription || len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}

func (b *CandidateBuffer) Len() int {
	return len(b.pending)
}

func (b *CandidateBuffer) Reset() {
	b.pending = nil
}
