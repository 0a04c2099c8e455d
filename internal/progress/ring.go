package progress

// ring is a fixed-capacity circular buffer of rendered lines. Callers
// synchronize access.
type ring struct {
	lines []string
	pos   int
	count int
}

func newRing(size int) *ring {
	return &ring{lines: make([]string, size)}
}

func (r *ring) add(line string) {
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

// last returns up to n of the newest lines, oldest first.
func (r *ring) last(n int) []string {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	size := len(r.lines)
	out := make([]string, n)
	start := (r.pos - n + size) % size
	for i := range n {
		out[i] = r.lines[(start+i)%size]
	}
	return out
}
