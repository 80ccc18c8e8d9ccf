// Package ReceiveBuffer stages elements that arrive piecemeal from a transport
// until a consumer can pull complete messages out of them.
//
// A Buffer is a fixed array with two cursors. Elements are appended at pastEnd
// and consumed from begin, so the live window [begin, pastEnd) is always
// contiguous. When an append does not fit behind pastEnd but would fit in the
// array as a whole, the window is slid back to index 0 first. Nothing is
// allocated after New, and the buffer never grows.
//
// Suggest sizing the capacity to at least twice the largest expected message, so
// slides stay rare.
//
// A Buffer is not safe for concurrent use.
package ReceiveBuffer

import (
	"fmt"
	"iter"
)

// Buffer is a fixed-capacity window of T that slides instead of wrapping.
type Buffer[T any] struct {
	storage     []T
	begin       int
	pastEnd     int
	compactions int
}

// New returns an empty buffer holding at most capacity elements.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("receive buffer capacity must be positive")
	}
	return &Buffer[T]{
		storage: make([]T, capacity),
	}
}

// From returns a buffer of the given capacity holding a copy of values.
func From[T any](capacity int, values []T) (*Buffer[T], error) {
	b := New[T](capacity)
	if err := b.Append(values...); err != nil {
		return nil, err
	}
	return b, nil
}

// Clone returns an independent copy whose live window starts at index 0.
func (b *Buffer[T]) Clone() *Buffer[T] {
	c := &Buffer[T]{
		storage: make([]T, len(b.storage)),
	}
	c.pastEnd = copy(c.storage, b.storage[b.begin:b.pastEnd])
	return c
}

// Assign replaces the contents of b with a left-aligned copy of other.
// Assigning a buffer to itself slides its contents to the front.
func (b *Buffer[T]) Assign(other *Buffer[T]) error {
	if other == b {
		b.Compact()
		return nil
	}
	if other.Size() > len(b.storage) {
		return fmt.Errorf("assign %d elements into capacity %d: %w", other.Size(), len(b.storage), ErrCapacityExceeded)
	}
	b.pastEnd = copy(b.storage, other.storage[other.begin:other.pastEnd])
	b.begin = 0
	return nil
}

// Compact slides the live window to the start of storage. Contents are unchanged.
func (b *Buffer[T]) Compact() {
	if b.begin == 0 {
		return
	}
	// copy is memmove: the ranges may overlap when the window is wider than the shift.
	n := copy(b.storage, b.storage[b.begin:b.pastEnd])
	b.begin = 0
	b.pastEnd = n
	b.compactions++
}

// Size is the number of live elements.
func (b *Buffer[T]) Size() int {
	return b.pastEnd - b.begin
}

// Empty reports whether Size is zero.
func (b *Buffer[T]) Empty() bool {
	return b.begin == b.pastEnd
}

// MaxSize is the fixed capacity given to New.
func (b *Buffer[T]) MaxSize() int {
	return len(b.storage)
}

// Free is the number of elements that can still be appended, counting the
// leading space a slide would recover.
func (b *Buffer[T]) Free() int {
	return len(b.storage) - b.Size()
}

// Compactions reports how many times the live window has been slid back to the start.
func (b *Buffer[T]) Compactions() int {
	return b.compactions
}

// Get returns the element at logical index i.
//
// i is not checked against Size; use At where the index is not already known good.
func (b *Buffer[T]) Get(i int) T {
	return b.storage[b.begin+i]
}

// Ref returns a pointer to the element at logical index i. Unchecked like Get.
// The pointer is invalidated by the next append, erase or compaction.
func (b *Buffer[T]) Ref(i int) *T {
	return &b.storage[b.begin+i]
}

// Set overwrites the element at logical index i. Unchecked like Get.
func (b *Buffer[T]) Set(i int, v T) {
	b.storage[b.begin+i] = v
}

// At is the checked form of Get.
func (b *Buffer[T]) At(i int) (T, error) {
	if i < 0 || i >= b.Size() {
		var zero T
		return zero, fmt.Errorf("index %d with size %d: %w", i, b.Size(), ErrOutOfRange)
	}
	return b.storage[b.begin+i], nil
}

// Front returns the first live element. The buffer must not be empty.
func (b *Buffer[T]) Front() T {
	return b.storage[b.begin]
}

// Back returns the last live element. The buffer must not be empty.
func (b *Buffer[T]) Back() T {
	return b.storage[b.pastEnd-1]
}

// Data returns the live window as a slice sharing memory with the buffer.
// It is only valid until the next call that modifies the buffer.
func (b *Buffer[T]) Data() []T {
	return b.storage[b.begin:b.pastEnd:b.pastEnd]
}

// All iterates over the live window in logical order.
func (b *Buffer[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i := b.begin; i < b.pastEnd; i++ {
			if !yield(i-b.begin, b.storage[i]) {
				return
			}
		}
	}
}

// PushBack appends a single element.
func (b *Buffer[T]) PushBack(v T) error {
	if err := b.ensureSpace(1); err != nil {
		return err
	}
	b.storage[b.pastEnd] = v
	b.pastEnd++
	return nil
}

// Append copies values in at the back, sliding the live window at most once.
// Nothing is appended if the values do not all fit.
func (b *Buffer[T]) Append(values ...T) error {
	if err := b.ensureSpace(len(values)); err != nil {
		return err
	}
	b.pastEnd += copy(b.storage[b.pastEnd:], values)
	return nil
}

// Fill lets fill write straight into the free space behind the live window.
//
// n is clamped to Free. fill receives a slice of exactly that length and reports
// how many elements it wrote; those are committed even when fill also returns an
// error, as with io.Reader. If the buffer is full and n > 0, Fill returns
// ErrCapacityExceeded without calling fill.
func (b *Buffer[T]) Fill(n int, fill func(dst []T) (int, error)) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("fill of %d elements: %w", n, ErrInvalidRange)
	}
	if free := b.Free(); n > free {
		if free == 0 {
			return 0, fmt.Errorf("fill of %d elements into full buffer of %d: %w", n, len(b.storage), ErrCapacityExceeded)
		}
		n = free
	}
	if err := b.ensureSpace(n); err != nil {
		return 0, err
	}
	actual, err := fill(b.storage[b.pastEnd : b.pastEnd+n : b.pastEnd+n])
	if actual < 0 || actual > n {
		panic(fmt.Sprintf("receive buffer fill reported %d elements for room of %d", actual, n))
	}
	b.pastEnd += actual
	return actual, err
}

// PopFront removes the first element and returns it. The buffer must not be empty.
func (b *Buffer[T]) PopFront() T {
	return b.PopFrontN(1)
}

// PopFrontN removes n elements from the front and returns the element that was
// first. n must be between 1 and Size; use Consume when it is not known to be.
func (b *Buffer[T]) PopFrontN(n int) T {
	ret := b.storage[b.begin]
	b.begin += n
	return ret
}

// PopBack removes the last element and returns it. The buffer must not be empty.
func (b *Buffer[T]) PopBack() T {
	return b.PopBackN(1)
}

// PopBackN removes n elements from the back and returns the element that was
// last. n must be between 1 and Size.
func (b *Buffer[T]) PopBackN(n int) T {
	ret := b.storage[b.pastEnd-1]
	b.pastEnd -= n
	return ret
}

// Consume is the checked bulk drain from the front.
func (b *Buffer[T]) Consume(n int) error {
	if n < 0 || n > b.Size() {
		return fmt.Errorf("consume %d with size %d: %w", n, b.Size(), ErrOutOfRange)
	}
	b.begin += n
	return nil
}

// Clear empties the buffer. Old contents stay in storage until overwritten.
func (b *Buffer[T]) Clear() {
	b.begin = 0
	b.pastEnd = 0
}

// ensureSpace makes room for n more elements behind pastEnd.
func (b *Buffer[T]) ensureSpace(n int) error {
	if n < 0 {
		return fmt.Errorf("reserve %d elements: %w", n, ErrInvalidRange)
	}
	if b.Empty() {
		b.begin = 0
		b.pastEnd = 0
	}
	if b.pastEnd+n <= len(b.storage) {
		return nil
	}
	if b.Size()+n > len(b.storage) {
		return fmt.Errorf("append %d to %d of %d: %w", n, b.Size(), len(b.storage), ErrCapacityExceeded)
	}
	b.Compact()
	return nil
}
