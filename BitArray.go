package Lockfree

import (
	"math/bits"
)

// NewBitArray rounds size up to a whole number of words.
func NewBitArray(size int) BitArray {
	return BitArray{bits: make([]uint, (size+bits.UintSize-1)/bits.UintSize)}
}

// BitArray is a plain (non-atomic) bitset. Callers synchronize access;
// SMR thread records use one owner-thread-only for guard-slot
// bookkeeping.
type BitArray struct {
	bits []uint
}

func (u BitArray) Len() int {
	return len(u.bits) * bits.UintSize
}

func (u BitArray) Get(i int) bool {
	return (u.bits[i/bits.UintSize]>>(i%bits.UintSize))&1 == 1
}

func (u BitArray) Up(i int) {
	u.bits[i/bits.UintSize] |= 1 << (i % bits.UintSize)
}

func (u BitArray) Down(i int) {
	u.bits[i/bits.UintSize] &^= 1 << (i % bits.UintSize)
}

// FirstDown returns the index of the first cleared bit, or -1 if every
// bit is set.
func (u BitArray) FirstDown() int {
	for i, w := range u.bits {
		if w != ^uint(0) {
			return i*bits.UintSize + bits.TrailingZeros(^w)
		}
	}
	return -1
}
