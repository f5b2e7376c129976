package evaluator

import (
	"fmt"
	"os"
	"path/filepath"
)

// writePolar dumps the candidate's coefficient table in the classic polar
// layout, one row per operating point. Failed points are written with
// their penalty coefficients so the table always covers the full range.
func writePolar(dir string, rec *CandidateRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(dir, fmt.Sprintf("polar_%s.dat", rec.ID))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "# candidate %s  score %.6f\n# %8s %10s %10s %10s\n",
		rec.ID, rec.Score, "alpha", "cl", "cd", "cm"); err != nil {
		return err
	}
	for _, res := range rec.Results {
		if _, err := fmt.Fprintf(f, "%10.4f %10.6f %10.6f %10.6f\n",
			res.Point.Alpha, res.Coefficients.Cl, res.Coefficients.Cd, res.Coefficients.Cm); err != nil {
			return err
		}
	}
	return nil
}
