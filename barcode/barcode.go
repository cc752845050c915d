// Package barcode holds sequence helpers for sample index barcodes.
package barcode

// complement maps 'A'/'a' to 'T', 'C'/'c' to 'G', 'G'/'g' to 'C', 'T'/'t' to
// 'A', and everything else to 'N'.
var complement = func() (t [256]byte) {
	for i := range t {
		t[i] = 'N'
	}
	for _, p := range [][2]byte{{'A', 'T'}, {'C', 'G'}, {'G', 'C'}, {'T', 'A'}} {
		t[p[0]] = p[1]
		t[p[0]+'a'-'A'] = p[1]
	}
	return t
}()

// ReverseComplement returns the reverse complement of seq. Bases other than
// A, C, G and T (in either case) become N, so over {A,C,G,T,N} the function
// is an involution.
func ReverseComplement(seq string) string {
	n := len(seq)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = complement[seq[i]]
	}
	return string(out)
}

// Bases maps the two low bits of a base call to its nucleotide.
var Bases = [4]byte{'A', 'C', 'G', 'T'}

// DecodeCall decodes one BCL base call byte. A zero byte is a no-call.
func DecodeCall(b byte) byte {
	if b == 0 {
		return 'N'
	}
	return Bases[b&3]
}
