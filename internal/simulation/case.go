package simulation

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/aerolab/foilopt/internal/geometry"
)

// Template layout inside a case directory. The base case carries the mesh
// and solver settings; the builder only patches condition values and
// injects the candidate geometry.
const (
	zeroDir       = "0.orig"
	constantDir   = "constant"
	systemDir     = "system"
	forcesDict    = "FO_forces"
	transportDict = "transportProperties"
	geometryDir   = "geometry"
	geometryFile  = "airfoil.dat"
	warmStartFile = "warmstart.prior"
	runScriptName = "Allrun"
)

// BuilderConfig configures case materialization.
type BuilderConfig struct {
	// BaseDir is the pristine template case copied for every evaluation.
	BaseDir string
	// WorkDir is where run cases are created.
	WorkDir string
	// SimChord is the fixed chord length the geometry is rescaled to, so
	// mesh dimensions and numerics stay identical across candidates.
	SimChord float64
	// Chord is the configured physical chord length. It feeds the Reynolds
	// similarity relations and is deliberately decoupled from SimChord.
	Chord float64
	// Fluid holds the freestream properties.
	Fluid Fluid
}

// Case is one materialized simulation instance binding a geometry to an
// operating point. It is owned by the evaluation driver for its lifetime.
type Case struct {
	ID     string
	Dir    string
	Point  OperatingPoint
	Inflow Inflow
	Prior  *Case
}

// Builder materializes cases from the base template.
type Builder struct {
	cfg BuilderConfig
}

// NewBuilder validates the configuration and returns a Builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.BaseDir == "" || cfg.WorkDir == "" {
		return nil, fmt.Errorf("simulation: base and work directories are required")
	}
	if cfg.SimChord <= 0 || cfg.Chord <= 0 {
		return nil, fmt.Errorf("simulation: chord lengths must be positive (sim=%g, configured=%g)",
			cfg.SimChord, cfg.Chord)
	}
	return &Builder{cfg: cfg}, nil
}

// Build creates a fresh case directory for the given geometry and operating
// point. When prior is non-nil its directory is recorded in the case so the
// solver tooling can map the prior converged flow field as the initial
// state (warm start).
func (b *Builder) Build(surface *geometry.Surface, op OperatingPoint, prior *Case) (*Case, error) {
	inflow, err := DeriveInflow(op, b.cfg.Chord, b.cfg.Fluid)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir := filepath.Join(b.cfg.WorkDir, "case_"+id)
	if err := copyTree(b.cfg.BaseDir, dir); err != nil {
		return nil, fmt.Errorf("simulation: copying base case: %w", err)
	}

	c := &Case{ID: id, Dir: dir, Point: op, Inflow: inflow, Prior: prior}

	if err := b.writeGeometry(c, surface); err != nil {
		return nil, err
	}
	if err := b.patchConditions(c); err != nil {
		return nil, err
	}
	if prior != nil {
		if err := os.WriteFile(filepath.Join(dir, warmStartFile), []byte(prior.Dir+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("simulation: recording warm start prior: %w", err)
		}
	}

	return c, nil
}

// writeGeometry rescales the unit-chord surface to the simulation chord and
// writes it as the wetted boundary definition for the mesh generator.
func (b *Builder) writeGeometry(c *Case, surface *geometry.Surface) error {
	dir := filepath.Join(c.Dir, constantDir, geometryDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, geometryFile))
	if err != nil {
		return err
	}
	defer f.Close()
	return surface.Scaled(b.cfg.SimChord).WriteDat(f, "airfoil")
}

// patchConditions rewrites the condition values in the template files:
// turbulence seeds and viscosity in 0.orig and constant, inflow velocity
// and angle of attack in the velocity field and the forces function object.
func (b *Builder) patchConditions(c *Case) error {
	in := c.Inflow
	patches := []struct {
		path string
		key  string
		line string
	}{
		{filepath.Join(zeroDir, "k"), "kInlet", fmt.Sprintf("kInlet          %.6f;", in.K)},
		{filepath.Join(zeroDir, "omega"), "omegaInlet", fmt.Sprintf("omegaInlet      %.6f;", in.Omega)},
		{filepath.Join(zeroDir, "U"), "Uinlet", fmt.Sprintf("Uinlet          %.6f;", in.Velocity)},
		{filepath.Join(zeroDir, "U"), "alpha", fmt.Sprintf("alpha           %.6f;", c.Point.Alpha)},
		{filepath.Join(zeroDir, "gammaInt"), "internalField", fmt.Sprintf("internalField   uniform %.6f;", c.Point.Turbulence)},
		{filepath.Join(zeroDir, "ReThetat"), "internalField", fmt.Sprintf("internalField   uniform %.6f;", in.ReTheta)},
		{filepath.Join(constantDir, transportDict), "nu", fmt.Sprintf("nu              %.8e;", in.Nu)},
		{filepath.Join(systemDir, forcesDict), "Uinlet", fmt.Sprintf("Uinlet          %.6f;", in.Velocity)},
		{filepath.Join(systemDir, forcesDict), "rhoInf", fmt.Sprintf("rhoInf          %.6f;", b.cfg.Fluid.Density)},
		{filepath.Join(systemDir, forcesDict), "alpha", fmt.Sprintf("alpha           %.6f;", c.Point.Alpha)},
		{runScriptName, "alpha=", fmt.Sprintf("alpha=%.6f", c.Point.Alpha)},
	}

	for _, p := range patches {
		if err := replaceKeyLine(filepath.Join(c.Dir, p.path), p.key, p.line); err != nil {
			return fmt.Errorf("simulation: patching %s: %w", p.path, err)
		}
	}
	return nil
}

// replaceKeyLine rewrites every line whose trimmed text starts with key,
// preserving the original indentation. Missing files are an error; missing
// keys are not, so optional template entries stay optional.
func replaceKeyLine(path, key, newLine string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, key) {
			indent := line[:len(line)-len(trimmed)]
			lines[i] = indent + newLine
		}
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

// copyTree copies the template directory recursively, preserving file modes
// so the run scripts stay executable.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
