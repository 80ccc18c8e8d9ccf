package ReceiveBuffer

import "fmt"

// Erase removes the element at logical index pos.
func (b *Buffer[T]) Erase(pos int) (int, error) {
	return b.EraseRange(pos, pos+1)
}

// EraseRange removes the logical range [first, last) and returns the index of the
// element that now follows the removed range.
//
// A range touching either end of the window is dropped by moving a cursor. Only an
// interior range costs a copy of the tail.
func (b *Buffer[T]) EraseRange(first, last int) (int, error) {
	size := b.Size()
	if first < 0 || last > size || first > last {
		return first, fmt.Errorf("erase [%d, %d) with size %d: %w", first, last, size, ErrInvalidRange)
	}
	n := last - first
	switch {
	case n == 0:
		return first, nil
	case first == 0:
		b.begin += n
	case last == size:
		b.pastEnd -= n
	default:
		copy(b.storage[b.begin+first:], b.storage[b.begin+last:b.pastEnd])
		b.pastEnd -= n
	}
	return first, nil
}
