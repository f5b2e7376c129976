package geometry

import (
	"bufio"
	"fmt"
	"io"
)

// WriteDat writes the outline in the XFOIL-readable coordinate format: a
// name header followed by one "x  y" pair per line, ordered trailing edge
// over the upper side to the leading edge and back along the lower side.
func (s *Surface) WriteDat(w io.Writer, name string) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s\n", name); err != nil {
		return err
	}
	for i := range s.X {
		if _, err := fmt.Fprintf(bw, "%.8f  %.8f\n", s.X[i], s.Y[i]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
