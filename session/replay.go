package session

import (
	"math/bits"

	"github.com/opd-ai/securelink/crypto"
)

// replayWindow remembers which of the most recent nonces have been
// accepted. Nonces are 96-bit little-endian counters; arithmetic is modulo
// 2^96 so a sender whose random start wraps past the top keeps working.
//
// The bitmap is a ring indexed by counter modulo size (a power of two).
type replayWindow struct {
	size   uint64
	bitmap []uint64
	topHi  uint32
	topLo  uint64
	seeded bool
}

func newReplayWindow(size int) *replayWindow {
	if size <= 0 {
		return nil
	}
	n := uint64(64)
	for n < uint64(size) {
		n <<= 1
	}
	return &replayWindow{size: n, bitmap: make([]uint64, n/64)}
}

// sub96 returns a-b modulo 2^96.
func sub96(aHi uint32, aLo uint64, bHi uint32, bLo uint64) (uint32, uint64) {
	lo, borrow := bits.Sub64(aLo, bLo, 0)
	return aHi - bHi - uint32(borrow), lo
}

func (w *replayWindow) bit(lo uint64) (word int, mask uint64) {
	idx := lo & (w.size - 1)
	return int(idx / 64), 1 << (idx % 64)
}

// check reports whether n may be accepted: never seen and not older than
// the window. It does not record n.
func (w *replayWindow) check(n crypto.Nonce) bool {
	if w == nil || !w.seeded {
		return true
	}
	hi, lo := n.Words()

	aheadHi, aheadLo := sub96(hi, lo, w.topHi, w.topLo)
	if aheadHi < 1<<31 && (aheadHi != 0 || aheadLo != 0) {
		return true
	}

	backHi, backLo := sub96(w.topHi, w.topLo, hi, lo)
	if backHi != 0 || backLo >= w.size {
		return false
	}
	word, mask := w.bit(lo)
	return w.bitmap[word]&mask == 0
}

// accept records n. Callers check first and accept only after the packet
// authenticated.
func (w *replayWindow) accept(n crypto.Nonce) {
	if w == nil {
		return
	}
	hi, lo := n.Words()

	if !w.seeded {
		w.seeded = true
		w.topHi, w.topLo = hi, lo
		word, mask := w.bit(lo)
		w.bitmap[word] |= mask
		return
	}

	aheadHi, aheadLo := sub96(hi, lo, w.topHi, w.topLo)
	if aheadHi < 1<<31 && (aheadHi != 0 || aheadLo != 0) {
		if aheadHi != 0 || aheadLo >= w.size {
			for i := range w.bitmap {
				w.bitmap[i] = 0
			}
		} else {
			cur := w.topLo
			for i := uint64(0); i < aheadLo; i++ {
				cur++
				word, mask := w.bit(cur)
				w.bitmap[word] &^= mask
			}
		}
		w.topHi, w.topLo = hi, lo
	}

	word, mask := w.bit(lo)
	w.bitmap[word] |= mask
}
