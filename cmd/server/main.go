package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aerolab/foilopt/internal/config"
	"github.com/aerolab/foilopt/internal/evaluator"
	"github.com/aerolab/foilopt/internal/geometry"
	"github.com/aerolab/foilopt/internal/history"
	"github.com/aerolab/foilopt/internal/logging"
	"github.com/aerolab/foilopt/internal/objective"
	"github.com/aerolab/foilopt/internal/optimization"
	"github.com/aerolab/foilopt/internal/optimization/bayesian"
	"github.com/aerolab/foilopt/internal/server"
	"github.com/aerolab/foilopt/internal/simulation"
)

func main() {
	// A .env file is a development convenience; the environment wins.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	serviceLogger := logger.WithFields(map[string]interface{}{
		"service": "foilopt",
	})

	// The numerical layers log through zap; route them into the same stream.
	zlog := logging.NewZapLogger(logger)

	if dir := filepath.Dir(cfg.History.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			serviceLogger.Fatal("creating history directory", map[string]interface{}{"error": err.Error()})
		}
	}
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		serviceLogger.Fatal("opening history store", map[string]interface{}{
			"path":  cfg.History.Path,
			"error": err.Error(),
		})
	}
	defer store.Close()

	if cfg.History.PolarDir != "" {
		if err := os.MkdirAll(cfg.History.PolarDir, 0o755); err != nil {
			serviceLogger.Fatal("creating polar directory", map[string]interface{}{"error": err.Error()})
		}
	}

	metrics := evaluator.NewMetrics(prometheus.DefaultRegisterer)

	srv := server.NewServer(newRunFactory(cfg, store, metrics, zlog), serviceLogger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(logging.Middleware(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	srv.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		serviceLogger.Info("starting server", map[string]interface{}{
			"address": httpServer.Addr,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serviceLogger.Fatal("server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	serviceLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		serviceLogger.Error("forced shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := srv.Close(); err != nil {
		serviceLogger.Error("closing run manager", map[string]interface{}{"error": err.Error()})
	}

	serviceLogger.Info("server stopped")
}

// newRunFactory builds the per-run pipeline: case builder, solver driver,
// scorer, evaluator and optimization engine, each run working in its own
// directory under the configured work dir.
func newRunFactory(cfg *config.Config, store *history.Store, metrics *evaluator.Metrics, zlog *zap.Logger) server.Factory {
	return func(runID string, ov server.Overrides) (*server.Run, error) {
		builder, err := simulation.NewBuilder(simulation.BuilderConfig{
			BaseDir:  cfg.Simulation.BaseDir,
			WorkDir:  filepath.Join(cfg.Simulation.WorkDir, runID),
			SimChord: cfg.Simulation.SimChord,
			Chord:    cfg.Simulation.Chord,
			Fluid: simulation.Fluid{
				Density:     cfg.Simulation.Density,
				Temperature: cfg.Simulation.Temperature,
			},
		})
		if err != nil {
			return nil, err
		}

		dcfg := simulation.DefaultDriverConfig()
		dcfg.MeshScript = cfg.Simulation.MeshScript
		dcfg.SolveScript = cfg.Simulation.SolveScript
		dcfg.CleanScript = cfg.Simulation.CleanScript
		dcfg.Timeout = cfg.Simulation.Timeout
		dcfg.MaxIterations = cfg.Simulation.MaxIterations
		dcfg.ResidualThreshold = cfg.Simulation.ResidualThreshold
		dcfg.SustainIterations = cfg.Simulation.SustainIterations
		dcfg.PenaltyCoefficient = cfg.Objective.Penalty
		dcfg.Cleanup = simulation.CleanupPolicy(cfg.Simulation.Cleanup)
		driver := simulation.NewDriver(dcfg, zlog)

		scorer, err := objective.NewScorer(scorerConfig(cfg, ov))
		if err != nil {
			return nil, err
		}

		points := make([]simulation.OperatingPoint, 0, len(cfg.DesignRange.Alphas))
		for _, alpha := range cfg.DesignRange.Alphas {
			points = append(points, simulation.OperatingPoint{
				Alpha:      alpha,
				Reynolds:   cfg.DesignRange.Reynolds,
				Velocity:   cfg.DesignRange.Velocity,
				Mach:       cfg.DesignRange.Mach,
				Turbulence: cfg.DesignRange.Turbulence,
			})
		}

		eval, err := evaluator.New(evaluator.Config{
			NUpper: cfg.Geometry.NUpper,
			NLower: cfg.Geometry.NLower,
			Geometry: geometry.Config{
				Stations:     cfg.Geometry.Stations,
				TEGap:        cfg.Geometry.TEGap,
				MaxCurvature: cfg.Geometry.MaxCurvature,
			},
			DesignRange: points,
			PolarDir:    cfg.History.PolarDir,
		}, runID, builder, driver, scorer, store, metrics, zlog)
		if err != nil {
			return nil, err
		}

		optCfg := optimization.Config{
			Objective:          eval.Objective(),
			Bounds:             cfg.BuildBounds(),
			MaxEvaluations:     cfg.Optimizer.MaxEvaluations,
			InitialPoints:      cfg.Optimizer.InitialPoints,
			StallIterations:    cfg.Optimizer.StallIterations,
			StallTolerance:     cfg.Optimizer.StallTolerance,
			DuplicateTolerance: cfg.Optimizer.DuplicateTolerance,
			BatchSize:          cfg.Optimizer.BatchSize,
			Workers:            cfg.Optimizer.Workers,
			Seed:               cfg.Optimizer.Seed,
		}
		if ov.MaxEvaluations != nil {
			optCfg.MaxEvaluations = *ov.MaxEvaluations
		}
		if ov.InitialPoints != nil {
			optCfg.InitialPoints = *ov.InitialPoints
		}
		if ov.StallIterations != nil {
			optCfg.StallIterations = *ov.StallIterations
		}
		if ov.Seed != nil {
			optCfg.Seed = *ov.Seed
		}

		engine, err := bayesian.NewEngine(optCfg, zlog)
		if err != nil {
			return nil, err
		}

		return &server.Run{
			Optimizer: engine,
			Budget:    optCfg.MaxEvaluations,
			Failures:  eval.FailureCounts,
		}, nil
	}
}

func scorerConfig(cfg *config.Config, ov server.Overrides) objective.Config {
	ocfg := objective.Config{
		Weights: objective.Weights{
			Drag:   cfg.Objective.DragWeight,
			Lift:   cfg.Objective.LiftWeight,
			Moment: cfg.Objective.MomentWeight,
		},
		Mode:        objective.Mode(cfg.Objective.Mode),
		LiftTarget:  cfg.Objective.LiftTarget,
		Combine:     objective.Combine(cfg.Objective.Combine),
		AlphaTarget: cfg.Objective.AlphaTarget,
		Penalty:     cfg.Objective.Penalty,
	}
	if ov.DragWeight != nil {
		ocfg.Weights.Drag = *ov.DragWeight
	}
	if ov.LiftWeight != nil {
		ocfg.Weights.Lift = *ov.LiftWeight
	}
	if ov.MomentWeight != nil {
		ocfg.Weights.Moment = *ov.MomentWeight
	}
	return ocfg
}
