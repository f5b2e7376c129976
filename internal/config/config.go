// Package config loads and validates the service configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// ConfigurationError marks configuration problems detected at startup.
// They are always fatal: no candidate evaluation may be spent on a run
// whose configuration cannot be trusted.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func confErr(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Config is the full service configuration.
type Config struct {
	Environment string `env:"ENV" envDefault:"development"`

	HTTP struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}

	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}

	History struct {
		Path     string `env:"HISTORY_PATH" envDefault:"data/history.db"`
		PolarDir string `env:"HISTORY_POLAR_DIR" envDefault:""`
	}

	Geometry struct {
		// NUpper and NLower are the CST weight counts per surface.
		NUpper   int `env:"GEOM_UPPER_WEIGHTS" envDefault:"4"`
		NLower   int `env:"GEOM_LOWER_WEIGHTS" envDefault:"4"`
		Stations int `env:"GEOM_STATIONS" envDefault:"120"`

		TEGap        float64 `env:"GEOM_TE_GAP" envDefault:"0"`
		MaxCurvature float64 `env:"GEOM_MAX_CURVATURE" envDefault:"1000"`

		// Search box per parameter group.
		WeightMin float64 `env:"GEOM_WEIGHT_MIN" envDefault:"-0.2"`
		WeightMax float64 `env:"GEOM_WEIGHT_MAX" envDefault:"0.6"`
		N1Min     float64 `env:"GEOM_N1_MIN" envDefault:"0.3"`
		N1Max     float64 `env:"GEOM_N1_MAX" envDefault:"0.7"`
		N2Min     float64 `env:"GEOM_N2_MIN" envDefault:"0.8"`
		N2Max     float64 `env:"GEOM_N2_MAX" envDefault:"1.2"`
	}

	Simulation struct {
		BaseDir  string  `env:"SIM_BASE_DIR" envDefault:"basecase"`
		WorkDir  string  `env:"SIM_WORK_DIR" envDefault:"work"`
		SimChord float64 `env:"SIM_CHORD" envDefault:"1.0"`
		// Chord is the physical chord the Reynolds number refers to.
		Chord       float64 `env:"CHORD" envDefault:"0.15"`
		Density     float64 `env:"FLUID_DENSITY" envDefault:"1.225"`
		Temperature float64 `env:"FLUID_TEMPERATURE" envDefault:"288.15"`

		MeshScript  string        `env:"SIM_MESH_SCRIPT" envDefault:"Allrun.pre"`
		SolveScript string        `env:"SIM_SOLVE_SCRIPT" envDefault:"Allrun"`
		CleanScript string        `env:"SIM_CLEAN_SCRIPT" envDefault:"Allclean"`
		Timeout     time.Duration `env:"SIM_TIMEOUT" envDefault:"30m"`

		MaxIterations     int     `env:"SIM_MAX_ITERATIONS" envDefault:"5000"`
		ResidualThreshold float64 `env:"SIM_RESIDUAL_THRESHOLD" envDefault:"1e-5"`
		SustainIterations int     `env:"SIM_SUSTAIN_ITERATIONS" envDefault:"20"`
		Cleanup           string  `env:"SIM_CLEANUP" envDefault:"clean"`
	}

	DesignRange struct {
		// Alphas are the angles of attack evaluated per candidate, in order.
		Alphas     []float64 `env:"DESIGN_ALPHAS" envSeparator:"," envDefault:"-2,0,4"`
		Reynolds   float64   `env:"DESIGN_REYNOLDS" envDefault:"300000"`
		Velocity   float64   `env:"DESIGN_VELOCITY" envDefault:"20"`
		Mach       float64   `env:"DESIGN_MACH" envDefault:"0"`
		Turbulence float64   `env:"DESIGN_TURBULENCE" envDefault:"0.01"`
	}

	Objective struct {
		DragWeight   float64 `env:"OBJ_DRAG_WEIGHT" envDefault:"0.45"`
		LiftWeight   float64 `env:"OBJ_LIFT_WEIGHT" envDefault:"0.35"`
		MomentWeight float64 `env:"OBJ_MOMENT_WEIGHT" envDefault:"0.2"`
		Mode         string  `env:"OBJ_MODE" envDefault:"max-lift"`
		LiftTarget   float64 `env:"OBJ_LIFT_TARGET" envDefault:"0"`
		Combine      string  `env:"OBJ_COMBINE" envDefault:"mean"`
		AlphaTarget  float64 `env:"OBJ_ALPHA_TARGET" envDefault:"0"`
		Penalty      float64 `env:"OBJ_PENALTY" envDefault:"10"`
	}

	Optimizer struct {
		MaxEvaluations     int     `env:"OPT_MAX_EVALUATIONS" envDefault:"60"`
		InitialPoints      int     `env:"OPT_INITIAL_POINTS" envDefault:"10"`
		StallIterations    int     `env:"OPT_STALL_ITERATIONS" envDefault:"15"`
		StallTolerance     float64 `env:"OPT_STALL_TOLERANCE" envDefault:"1e-4"`
		DuplicateTolerance float64 `env:"OPT_DUPLICATE_TOLERANCE" envDefault:"1e-3"`
		BatchSize          int     `env:"OPT_BATCH_SIZE" envDefault:"1"`
		Workers            int     `env:"OPT_WORKERS" envDefault:"1"`
		Seed               int64   `env:"OPT_SEED" envDefault:"0"`
	}
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations no run should start with.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return confErr("HTTP_PORT", "must be in [1, 65535], got %d", c.HTTP.Port)
	}

	if c.Geometry.NUpper < 1 || c.Geometry.NLower < 1 {
		return confErr("GEOM_UPPER_WEIGHTS", "need at least one weight per surface")
	}
	if c.Geometry.Stations < 8 {
		return confErr("GEOM_STATIONS", "need at least 8 stations, got %d", c.Geometry.Stations)
	}
	ranges := []struct {
		field    string
		min, max float64
	}{
		{"GEOM_WEIGHT_MIN", c.Geometry.WeightMin, c.Geometry.WeightMax},
		{"GEOM_N1_MIN", c.Geometry.N1Min, c.Geometry.N1Max},
		{"GEOM_N2_MIN", c.Geometry.N2Min, c.Geometry.N2Max},
	}
	for _, r := range ranges {
		if r.min >= r.max {
			return confErr(r.field, "empty range [%g, %g]", r.min, r.max)
		}
	}
	if c.Geometry.N1Min <= 0 || c.Geometry.N2Min <= 0 {
		return confErr("GEOM_N1_MIN", "class exponents must stay positive")
	}

	if c.Simulation.SimChord <= 0 || c.Simulation.Chord <= 0 {
		return confErr("CHORD", "chord lengths must be positive")
	}
	if c.Simulation.Density <= 0 || c.Simulation.Temperature <= 0 {
		return confErr("FLUID_DENSITY", "fluid properties must be positive")
	}
	if c.Simulation.Timeout <= 0 {
		return confErr("SIM_TIMEOUT", "timeout must be positive")
	}
	if c.Simulation.SustainIterations < 1 {
		return confErr("SIM_SUSTAIN_ITERATIONS", "convergence needs a sustain window of at least one iteration")
	}

	if len(c.DesignRange.Alphas) == 0 {
		return confErr("DESIGN_ALPHAS", "design range must not be empty")
	}
	if c.DesignRange.Reynolds <= 0 {
		return confErr("DESIGN_REYNOLDS", "Reynolds number must be positive")
	}
	if c.DesignRange.Velocity <= 0 && c.DesignRange.Mach <= 0 {
		return confErr("DESIGN_VELOCITY", "either velocity or Mach number is required")
	}
	if c.DesignRange.Turbulence <= 0 || c.DesignRange.Turbulence >= 1 {
		return confErr("DESIGN_TURBULENCE", "turbulence intensity must be a fraction in (0, 1), got %g", c.DesignRange.Turbulence)
	}

	if c.Objective.DragWeight < 0 || c.Objective.LiftWeight < 0 || c.Objective.MomentWeight < 0 {
		return confErr("OBJ_DRAG_WEIGHT", "objective weights must be non-negative")
	}
	if c.Objective.Penalty <= 0 {
		return confErr("OBJ_PENALTY", "penalty must be positive")
	}

	if c.Optimizer.MaxEvaluations < 1 {
		return confErr("OPT_MAX_EVALUATIONS", "evaluation budget must be positive")
	}
	if c.Optimizer.InitialPoints < 1 {
		return confErr("OPT_INITIAL_POINTS", "initial design needs at least one point")
	}

	return nil
}

// BuildBounds expands the geometry box configuration into per-dimension
// search bounds matching the parameter vector layout: upper weights,
// lower weights, N1, N2.
func (c *Config) BuildBounds() [][2]float64 {
	dims := c.Geometry.NUpper + c.Geometry.NLower + 2
	bounds := make([][2]float64, 0, dims)
	for i := 0; i < c.Geometry.NUpper; i++ {
		bounds = append(bounds, [2]float64{c.Geometry.WeightMin, c.Geometry.WeightMax})
	}
	for i := 0; i < c.Geometry.NLower; i++ {
		bounds = append(bounds, [2]float64{-c.Geometry.WeightMax, -c.Geometry.WeightMin})
	}
	bounds = append(bounds,
		[2]float64{c.Geometry.N1Min, c.Geometry.N1Max},
		[2]float64{c.Geometry.N2Min, c.Geometry.N2Max},
	)
	return bounds
}
