package evaluator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerolab/foilopt/internal/geometry"
	"github.com/aerolab/foilopt/internal/objective"
	"github.com/aerolab/foilopt/internal/simulation"
)

// The solve stub sleeps when the patched angle of attack starts with 2, so
// a three point range at 0/2/4 degrees times out exactly in the middle.
const solveStub = `#!/bin/sh
alpha=0.000000
case "$alpha" in
  2.0*) sleep 5 ;;
esac
mkdir -p postProcessing/forces/0
{
  echo '# Force coefficients'
  echo '# Time Cd Cdf Cdr Cl Clf Clr CmPitch'
  echo '100 0.020 0 0 0.50 0 0 -0.030'
} > postProcessing/forces/0/coefficient.dat
i=1
while [ $i -le 20 ]; do
  echo "Time = $i" >> log.solver
  echo "Solving for Ux, Initial residual = 1e-06, Final residual = 1e-09, No Iterations 3" >> log.solver
  i=$((i+1))
done
exit 0
`

// writeBaseCase lays out a stub template: patchable condition files plus
// fake mesh/solve/clean scripts.
func writeBaseCase(t *testing.T) string {
	t.Helper()
	base := t.TempDir()

	files := map[string]string{
		filepath.Join("0.orig", "k"):                       "kInlet          8.557;\n",
		filepath.Join("0.orig", "omega"):                   "omegaInlet      35.605;\n",
		filepath.Join("0.orig", "U"):                       "Uinlet          20.0;\nalpha           0.000000;\n",
		filepath.Join("0.orig", "gammaInt"):                "internalField   uniform 0.01;\n",
		filepath.Join("0.orig", "ReThetat"):                "internalField   uniform 1000;\n",
		filepath.Join("constant", "transportProperties"):   "nu              1e-05;\n",
		filepath.Join("system", "FO_forces"):               "    Uinlet          20.0;\n    rhoInf          1;\n    alpha           0.000000;\n",
		"Allrun.pre":                                       "#!/bin/sh\nexit 0\n",
		"Allrun":                                           solveStub,
		"Allclean":                                         "#!/bin/sh\nexit 0\n",
	}
	for rel, content := range files {
		path := filepath.Join(base, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	}
	return base
}

type memRecorder struct {
	mu   sync.Mutex
	recs []*CandidateRecord
}

func (m *memRecorder) Append(ctx context.Context, rec *CandidateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func designRange(alphas ...float64) []simulation.OperatingPoint {
	out := make([]simulation.OperatingPoint, len(alphas))
	for i, a := range alphas {
		out[i] = simulation.OperatingPoint{Alpha: a, Reynolds: 3e5, Velocity: 20, Turbulence: 0.01}
	}
	return out
}

func validVector() []float64 {
	return []float64{0.18, 0.1, -0.18, -0.1, 0.5, 1.0}
}

type fixture struct {
	eval     *Evaluator
	recorder *memRecorder
	workDir  string
	scorer   *objective.Scorer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	workDir := t.TempDir()
	builder, err := simulation.NewBuilder(simulation.BuilderConfig{
		BaseDir:  writeBaseCase(t),
		WorkDir:  workDir,
		SimChord: 0.15,
		Chord:    0.15,
		Fluid:    simulation.Fluid{Density: 1.0, Temperature: 273},
	})
	require.NoError(t, err)

	dcfg := simulation.DefaultDriverConfig()
	dcfg.Timeout = 500 * time.Millisecond
	dcfg.SustainIterations = 5
	dcfg.Cleanup = simulation.CleanupKeep
	driver := simulation.NewDriver(dcfg, nil)

	scorer, err := objective.NewScorer(objective.DefaultConfig())
	require.NoError(t, err)

	if cfg.NUpper == 0 {
		cfg.NUpper, cfg.NLower = 2, 2
	}
	if cfg.Geometry.Stations == 0 {
		cfg.Geometry = geometry.DefaultConfig()
	}
	if cfg.DesignRange == nil {
		cfg.DesignRange = designRange(0, 2, 4)
	}

	recorder := &memRecorder{}
	eval, err := New(cfg, "run-test", builder, driver, scorer, recorder, nil, nil)
	require.NoError(t, err)

	return &fixture{eval: eval, recorder: recorder, workDir: workDir, scorer: scorer}
}

// caseDirByAlpha finds the materialized case whose velocity field was
// patched with the given angle.
func caseDirByAlpha(t *testing.T, workDir string, alpha string) string {
	t.Helper()
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(workDir, e.Name(), "0.orig", "U"))
		if err != nil {
			continue
		}
		if strings.Contains(string(data), "alpha           "+alpha+";") {
			return filepath.Join(workDir, e.Name())
		}
	}
	t.Fatalf("no case found for alpha %s", alpha)
	return ""
}

func TestEvaluateThreePointRangeWithMiddleTimeout(t *testing.T) {
	f := newFixture(t, Config{})

	rec, err := f.eval.Evaluate(context.Background(), validVector())
	require.NoError(t, err, "a timed out point must not abort the candidate")

	require.Len(t, rec.Results, 3)
	assert.False(t, rec.Results[0].Failed())
	assert.True(t, rec.Results[1].Failed())
	assert.Equal(t, simulation.FailureTimeout, rec.Results[1].Failure)
	assert.False(t, rec.Results[2].Failed())

	want, err := f.scorer.Aggregate(rec.Results)
	require.NoError(t, err)
	assert.InDelta(t, want, rec.Score, 1e-12)

	// Mean of two converged scores and one penalty.
	point := f.scorer.PointScore(rec.Results[0])
	assert.InDelta(t, (2*point+f.scorer.Penalty())/3, rec.Score, 1e-12)
}

func TestEvaluateWarmStartSkipsFailedPoint(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.eval.Evaluate(context.Background(), validVector())
	require.NoError(t, err)

	first := caseDirByAlpha(t, f.workDir, "0.000000")
	third := caseDirByAlpha(t, f.workDir, "4.000000")

	// The last point warm-starts from the first converged case, not from
	// the timed out middle one.
	prior, err := os.ReadFile(filepath.Join(third, "warmstart.prior"))
	require.NoError(t, err)
	assert.Equal(t, first+"\n", string(prior))
}

func TestEvaluateInvalidGeometryShortCircuits(t *testing.T) {
	f := newFixture(t, Config{})

	// Upper surface entirely below the lower one.
	crossed := []float64{-0.2, -0.2, 0.2, 0.2, 0.5, 1.0}
	rec, err := f.eval.Evaluate(context.Background(), crossed)
	require.NoError(t, err)

	assert.True(t, rec.Invalid)
	assert.NotEmpty(t, rec.InvalidReason)
	assert.Equal(t, f.scorer.Penalty(), rec.Score)
	assert.Empty(t, rec.Results)

	// No solver spend: no case directory was materialized.
	entries, err := os.ReadDir(f.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	counts := f.eval.FailureCounts()
	assert.Equal(t, 1, counts["geometry"])
}

func TestEvaluateRecordsHistory(t *testing.T) {
	f := newFixture(t, Config{DesignRange: designRange(0)})

	rec, err := f.eval.Evaluate(context.Background(), validVector())
	require.NoError(t, err)

	require.Len(t, f.recorder.recs, 1)
	got := f.recorder.recs[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "run-test", got.RunID)
	assert.Equal(t, validVector(), got.Parameters)
	assert.Equal(t, rec.Score, got.Score)
}

func TestEvaluateWritesPolar(t *testing.T) {
	polarDir := t.TempDir()
	f := newFixture(t, Config{PolarDir: polarDir})

	rec, err := f.eval.Evaluate(context.Background(), validVector())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(polarDir, "polar_"+rec.ID+".dat"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5, "two header lines plus one row per point")
	assert.Contains(t, lines[0], rec.ID)
	assert.Contains(t, lines[2], "0.020000")
}

func TestObjectiveAdapter(t *testing.T) {
	f := newFixture(t, Config{DesignRange: designRange(0)})

	score, err := f.eval.Objective()(context.Background(), validVector())
	require.NoError(t, err)

	require.Len(t, f.recorder.recs, 1)
	assert.Equal(t, f.recorder.recs[0].Score, score)
}

func TestFailureCounts(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.eval.Evaluate(context.Background(), validVector())
	require.NoError(t, err)

	counts := f.eval.FailureCounts()
	assert.Equal(t, 1, counts[string(simulation.FailureTimeout)])
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	polarless := newFixture(t, Config{DesignRange: designRange(0)})
	polarless.eval.metrics = m

	_, err := polarless.eval.Evaluate(context.Background(), validVector())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evaluations))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InvalidGeometries))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, "run", nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
}
