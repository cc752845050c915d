package barcode

// Hamming returns the number of positions at which a and b differ. Positions
// past the end of the shorter barcode count as mismatches.
func Hamming(a, b string) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	d := len(b) - len(a)
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			d++
		}
	}
	return d
}

// Distance returns how far apart two samples are for demultiplexing: the
// largest Hamming distance over their index reads. a[k] and b[k] are the
// samples' k-th index; an index missing from one sample is empty. A read is
// assigned to a sample only if every index is within the mismatch limit, so
// one well separated index is enough to tell the samples apart.
func Distance(a, b []string) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	max := 0
	for k := 0; k < n; k++ {
		var x, y string
		if k < len(a) {
			x = a[k]
		}
		if k < len(b) {
			y = b[k]
		}
		if d := Hamming(x, y); d > max {
			max = d
		}
	}
	return max
}

// MinDistance returns the smallest Distance between any two samples whose
// indexes differ. It returns -1 when fewer than two distinct samples are
// given.
func MinDistance(samples [][]string) int {
	min := -1
	for i := range samples {
		for j := i + 1; j < len(samples); j++ {
			d := Distance(samples[i], samples[j])
			if d == 0 {
				continue
			}
			if min < 0 || d < min {
				min = d
			}
		}
	}
	return min
}

// MaxMismatches returns the largest per-index mismatch count, at most limit,
// that keeps every pair of samples unambiguous: (d-1)/2 for minimum distance
// d. Fewer than two distinct samples leave limit unchanged.
func MaxMismatches(samples [][]string, limit int) int {
	d := MinDistance(samples)
	if d < 0 {
		return limit
	}
	if n := (d - 1) / 2; n < limit {
		return n
	}
	return limit
}
