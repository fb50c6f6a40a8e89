package buffer

// compactThreshold is the minimum wasted prefix, in bytes, before Stack
// considers moving its live bytes to the front of the backing array.
const compactThreshold = 4096

// Stack accumulates bytes received from a stream and hands them out from the
// front. Pop only advances an offset; the live region is copied down when the
// consumed prefix exceeds both compactThreshold and half of the backing array,
// so a long run of small pops stays linear.
//
// A Stack is not safe for concurrent use.
type Stack struct {
	buf []byte
	off int
}

// Push appends b.
func (s *Stack) Push(b []byte) {
	if len(b) == 0 {
		return
	}
	s.buf = append(s.buf, b...)
}

// Pop discards the first n unconsumed bytes. Popping more than Size empties
// the stack.
func (s *Stack) Pop(n int) {
	if n <= 0 {
		return
	}
	if n >= s.Size() {
		s.buf = s.buf[:0]
		s.off = 0
		return
	}
	s.off += n
	if s.off > compactThreshold && s.off > cap(s.buf)/2 {
		live := copy(s.buf, s.buf[s.off:])
		s.buf = s.buf[:live]
		s.off = 0
	}
}

// Data returns the unconsumed bytes. The slice aliases the stack and is only
// valid until the next Push or Pop.
func (s *Stack) Data() []byte {
	return s.buf[s.off:]
}

// Size returns the number of unconsumed bytes.
func (s *Stack) Size() int {
	return len(s.buf) - s.off
}

// Len is an alias of Size.
func (s *Stack) Len() int {
	return s.Size()
}

// Reset drops all content but keeps the backing array.
func (s *Stack) Reset() {
	s.buf = s.buf[:0]
	s.off = 0
}

// wasted reports the consumed prefix still held in the backing array.
func (s *Stack) wasted() int {
	return s.off
}
