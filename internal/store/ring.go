package store

import "surgewatch/pkg/types"

// sampleRing is a fixed-capacity ring of rolling-window samples. Push is
// O(1); the oldest entry is overwritten once the ring is full. Snapshot
// returns entries ascending by time.
type sampleRing struct {
	buf  []types.Sample
	head int // index of the oldest entry
	n    int
}

func newSampleRing(capacity int) *sampleRing {
	if capacity < 1 {
		capacity = 1
	}
	return &sampleRing{buf: make([]types.Sample, capacity)}
}

func (r *sampleRing) push(s types.Sample) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
}

func (r *sampleRing) len() int { return r.n }

// last returns the newest sample; ok is false when the ring is empty.
func (r *sampleRing) last() (types.Sample, bool) {
	if r.n == 0 {
		return types.Sample{}, false
	}
	return r.buf[(r.head+r.n-1)%len(r.buf)], true
}

func (r *sampleRing) snapshot() []types.Sample {
	out := make([]types.Sample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

func (r *sampleRing) reset() {
	r.head = 0
	r.n = 0
}
