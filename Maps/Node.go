package Maps

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

const markMask uintptr = 1

// addr strips the delete mark from a link word.
func addr(p unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) &^ markMask)
}

func marked(p unsafe.Pointer) bool {
	return uintptr(p)&markMask != 0
}

func mark(p unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p) | markMask)
}

// node is one entry of the single split-ordered list. The low bit of nx
// is this node's logical-delete mark, so every CAS on a predecessor's
// link self-invalidates once the predecessor dies. Sentinels ("relay"
// nodes, one per initialized bucket) carry v == nil and are never
// removed.
type node[K any] struct {
	nx   unsafe.Pointer // *node[K] | markMask
	v    unsafe.Pointer // *V; nil marks a relay
	hash uint           // split-order key: bit-reversed, LSB 0 for relays
	k    K
}

func (n *node[K]) isRelay() bool {
	return atomic.LoadPointer(&n.v) == nil
}

func (n *node[K]) vPtr() unsafe.Pointer {
	return atomic.LoadPointer(&n.v)
}

func (n *node[K]) String() string {
	return fmt.Sprintf("key: %#v; hash: %b; relay: %t; del: %t",
		n.k, n.hash, n.isRelay(), marked(atomic.LoadPointer(&n.nx)))
}

// regularKey places a user hash in split order: bit-reversed with the
// low bit forced on, so user keys sort strictly between the sentinels
// of their bucket and the next.
func regularKey(h uint) uint {
	return bits.Reverse(h) | 1
}

// dummyKey is the sentinel key of bucket b: bit-reversal of the index,
// low bit zero.
func dummyKey(b uint) uint {
	return bits.Reverse(b)
}

// parentOf clears the highest set bit: the bucket whose sentinel
// immediately precedes b's in split order.
func parentOf(b uint) uint {
	return b &^ (1 << (bits.Len(b) - 1))
}
