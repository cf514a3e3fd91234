package memory

// Set fills b with c and returns the number of bytes written.
func Set(b []byte, c byte) int {
	for i := range b {
		b[i] = c
	}

	return len(b)
}

// Compare compares a and b byte by byte up to the shorter length.
// It returns the difference of the first mismatching pair, or zero.
func Compare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}

	return 0
}

// Copy copies src into dst front to back and returns the count.
// Overlapping buffers are only safe when dst starts at or below src.
func Copy(dst, src []byte) int {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}

	for i := 0; i < n; i++ {
		dst[i] = src[i]
	}

	return n
}

// Move copies n bytes inside buf from offset src to offset dst.
// The ranges may overlap.
func Move(buf []byte, dst, src, n int) {
	if dst <= src || dst >= src+n {
		Copy(buf[dst:dst+n], buf[src:src+n])

		return
	}

	for i := n - 1; i >= 0; i-- {
		buf[dst+i] = buf[src+i]
	}
}
