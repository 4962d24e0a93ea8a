package buffers

// Set is a cursor over a scatter/gather list of byte slices. Reads consume
// from the front, writes fill from the front; a single Set instance is used in
// one direction only.
type Set struct {
	bufs [][]byte
	idx  int
	pos  int
}

func NewSet(bufs ...[]byte) *Set {
	return &Set{bufs: bufs}
}

// Remaining is the number of bytes between the cursor and the end of the set.
func (s *Set) Remaining() (n int64) {
	if s.idx >= len(s.bufs) {
		return
	}
	n = int64(len(s.bufs[s.idx]) - s.pos)
	for i := s.idx + 1; i < len(s.bufs); i++ {
		n += int64(len(s.bufs[i]))
	}
	return
}

func (s *Set) HasRemaining() bool {
	for i := s.idx; i < len(s.bufs); i++ {
		p := s.pos
		if i != s.idx {
			p = 0
		}
		if len(s.bufs[i]) > p {
			return true
		}
	}
	return false
}

// Slices returns views of the remaining space. The first view starts at the
// cursor; the views alias the caller's buffers.
func (s *Set) Slices() (bufs [][]byte) {
	if s.idx >= len(s.bufs) {
		return
	}
	bufs = make([][]byte, 0, len(s.bufs)-s.idx)
	bufs = append(bufs, s.bufs[s.idx][s.pos:])
	for i := s.idx + 1; i < len(s.bufs); i++ {
		bufs = append(bufs, s.bufs[i])
	}
	return
}

// Skip advances the cursor by n bytes, saturating at the end of the set.
func (s *Set) Skip(n int) {
	for n > 0 && s.idx < len(s.bufs) {
		left := len(s.bufs[s.idx]) - s.pos
		if n < left {
			s.pos += n
			return
		}
		n -= left
		s.idx++
		s.pos = 0
	}
}

// Put copies bytes from p into the remaining space, advancing the cursor, and
// reports how many were copied.
func (s *Set) Put(p []byte) (n int) {
	for len(p) > 0 && s.idx < len(s.bufs) {
		c := copy(s.bufs[s.idx][s.pos:], p)
		p = p[c:]
		n += c
		s.pos += c
		if s.pos == len(s.bufs[s.idx]) {
			s.idx++
			s.pos = 0
		}
	}
	return
}
