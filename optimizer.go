package glbopt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Result is the outcome of one optimization run.
type Result struct {
	Mode       Mode
	InputPath  string
	OutputPath string

	GeometryCount int
	Processed     int
	Failed        int
	Skipped       int
	AlreadyClean  int
	Repaired      int

	VerticesBefore int
	VerticesAfter  int
	FacesBefore    int
	FacesAfter     int

	Textures TextureStats

	InputSize   int64
	OutputSize  int64
	SizeWarning bool
	Duration    time.Duration
}

// CompressionRatio is output size over input size.
func (r *Result) CompressionRatio() float64 {
	if r.InputSize == 0 {
		return 0
	}
	return float64(r.OutputSize) / float64(r.InputSize)
}

// SuccessRate is the percentage of geometries healthy after a repair run.
func (r *Result) SuccessRate() float64 {
	if r.GeometryCount == 0 {
		return 100
	}
	return float64(r.Repaired+r.AlreadyClean) / float64(r.GeometryCount) * 100
}

// Optimizer sequences the processors over a scene file. Per-geometry and
// per-texture problems are contained: the item keeps its pre-failure data
// and the run continues. Only load, write and timeout abort a run.
type Optimizer struct {
	Config   *Config
	Services *Services
	Mesh     *MeshProcessor
	Textures *TextureProcessor
	Scenes   *SceneManager
}

func NewOptimizer(cfg *Config, svc *Services) *Optimizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if svc == nil {
		svc = NewServices(cfg, nil)
	}
	return &Optimizer{
		Config:   cfg,
		Services: svc,
		Mesh:     NewMeshProcessor(cfg),
		Textures: NewTextureProcessor(cfg),
		Scenes:   NewSceneManager(),
	}
}

// Optimize dispatches to the pipeline for mode. An empty output path
// derives the default next to the input.
func (o *Optimizer) Optimize(ctx context.Context, mode Mode, input, output string) (*Result, error) {
	switch mode {
	case ModeNormal:
		return o.OptimizeNormal(ctx, input, output)
	case ModeAggressive:
		return o.OptimizeAggressive(ctx, input, output)
	case ModeUltra:
		return o.OptimizeUltra(ctx, input, output)
	case ModeVertex:
		return o.OptimizeVertexCleanup(ctx, input, output)
	case ModeRepair:
		return o.OptimizeRepair(ctx, input, output)
	}
	return nil, errf(ErrValidation, "optimize", "unknown mode %q", mode)
}

// OptimizeNormal prunes scene elements and deep-cleans geometry. Textures
// are not touched and re-embed byte for byte.
func (o *Optimizer) OptimizeNormal(ctx context.Context, input, output string) (*Result, error) {
	return o.run(ctx, ModeNormal, input, output, func(ctx context.Context, sc *Scene, res *Result) (*Scene, error) {
		sc = o.Scenes.RemoveSceneElements(sc)
		if err := o.cleanAll(ctx, sc, res); err != nil {
			return nil, err
		}
		return sc, nil
	})
}

// OptimizeAggressive adds lossy texture recompression on top of the
// normal cleanup.
func (o *Optimizer) OptimizeAggressive(ctx context.Context, input, output string) (*Result, error) {
	return o.run(ctx, ModeAggressive, input, output, o.cleanAndCompress(ModeAggressive))
}

// OptimizeUltra recompresses harder and scales textures down.
func (o *Optimizer) OptimizeUltra(ctx context.Context, input, output string) (*Result, error) {
	return o.run(ctx, ModeUltra, input, output, o.cleanAndCompress(ModeUltra))
}

func (o *Optimizer) cleanAndCompress(mode Mode) pipelineFunc {
	return func(ctx context.Context, sc *Scene, res *Result) (*Scene, error) {
		sc = o.Scenes.RemoveSceneElements(sc)
		if err := o.cleanAll(ctx, sc, res); err != nil {
			return nil, err
		}
		preset := o.Config.Preset(mode)
		stop := o.Services.Monitor.Measure("compress textures")
		res.Textures = o.Textures.CompressSceneTextures(sc, preset.TextureQuality, preset.ResizeFactor)
		stop()
		o.Services.Logger.Info("texture pass done",
			slog.Bool("found", res.Textures.Found),
			slog.Int("processed", res.Textures.Processed),
			slog.Int("failed", res.Textures.Failed))
		res.Failed += res.Textures.Failed
		return sc, nil
	}
}

// OptimizeVertexCleanup runs geometry cleanup in place, reporting vertex
// deltas per geometry. Scene structure, lights and textures survive.
func (o *Optimizer) OptimizeVertexCleanup(ctx context.Context, input, output string) (*Result, error) {
	return o.run(ctx, ModeVertex, input, output, func(ctx context.Context, sc *Scene, res *Result) (*Scene, error) {
		for _, name := range sc.GeometryNames() {
			if err := aborted(ctx); err != nil {
				return nil, err
			}
			g, _ := sc.Geometry(name)
			stats := o.Mesh.CleanGeometry(g)
			o.Services.Logger.Info("vertex cleanup",
				slog.String("geometry", name),
				slog.Int("vertices_before", stats.VerticesBefore),
				slog.Int("vertices_after", stats.VerticesAfter),
				slog.Int("faces_before", stats.FacesBefore),
				slog.Int("faces_after", stats.FacesAfter))
			if stats.Changed() {
				res.Processed++
			}
		}
		return sc, nil
	})
}

// OptimizeRepair diagnoses each geometry and applies the bounded repairs:
// seam vertices merged, winding fixed, degenerate faces stripped. Healthy
// geometry counts as already clean.
func (o *Optimizer) OptimizeRepair(ctx context.Context, input, output string) (*Result, error) {
	return o.run(ctx, ModeRepair, input, output, func(ctx context.Context, sc *Scene, res *Result) (*Scene, error) {
		for _, name := range sc.GeometryNames() {
			if err := aborted(ctx); err != nil {
				return nil, err
			}
			g, _ := sc.Geometry(name)
			stop := o.Services.Monitor.Measure("repair geometry")
			issues := o.Mesh.DetectHoles(g)
			if len(issues) == 0 {
				stop()
				res.AlreadyClean++
				o.Services.Logger.Debug("geometry already clean", slog.String("geometry", name))
				continue
			}
			o.Services.Logger.Info("geometry issues",
				slog.String("geometry", name), slog.Any("issues", issues))
			if len(issues) == 1 && issues[0] == IssueCheckSkipped {
				stop()
				res.Skipped++
				continue
			}
			report, ok := o.Mesh.FillHoles(g)
			valid := o.Mesh.ValidateAndRepair(g)
			stop()
			if ok && valid {
				res.Repaired++
				o.Services.Logger.Info("geometry repaired",
					slog.String("geometry", name),
					slog.Int("merged_vertices", report.MergedVertices),
					slog.Int("removed_faces", report.RemovedFaces),
					slog.Bool("normals_fixed", report.NormalsFixed))
			} else {
				res.Failed++
				o.Services.Logger.Warn("geometry could not be repaired", slog.String("geometry", name))
			}
		}
		o.Services.Logger.Info("repair summary",
			slog.Int("repaired", res.Repaired),
			slog.Int("already_clean", res.AlreadyClean),
			slog.Int("failed", res.Failed),
			slog.Int("skipped", res.Skipped),
			slog.String("success_rate", fmt.Sprintf("%.1f%%", res.SuccessRate())))
		return sc, nil
	})
}

// OptimizeSafe decimates every eligible geometry at the caller's ratio.
// The Config.SafeFaceRatio floor inside SimplifySafely applies; geometries
// that cannot be simplified keep their original data. Textures and scene
// structure are left alone.
func (o *Optimizer) OptimizeSafe(ctx context.Context, input, output string, targetRatio float64) (*Result, error) {
	return o.run(ctx, ModeNormal, input, output, func(ctx context.Context, sc *Scene, res *Result) (*Scene, error) {
		return sc, o.simplifyAll(ctx, sc, res, targetRatio)
	})
}

// OptimizeTexturePreserving decimates at the caller's ratio without ever
// touching texture data, and reports simplified/total statistics.
func (o *Optimizer) OptimizeTexturePreserving(ctx context.Context, input, output string, targetRatio float64) (*Result, error) {
	return o.run(ctx, ModeNormal, input, output, func(ctx context.Context, sc *Scene, res *Result) (*Scene, error) {
		return sc, o.simplifyAll(ctx, sc, res, targetRatio)
	})
}

func (o *Optimizer) simplifyAll(ctx context.Context, sc *Scene, res *Result, ratio float64) error {
	for _, name := range sc.GeometryNames() {
		if err := aborted(ctx); err != nil {
			return err
		}
		g, _ := sc.Geometry(name)
		stop := o.Services.Monitor.Measure("simplify geometry")
		ok, before, after := o.Mesh.SimplifySafely(g, ratio)
		stop()
		if ok {
			res.Processed++
			o.Services.Logger.Debug("decimated geometry",
				slog.String("geometry", name),
				slog.Int("faces_before", before),
				slog.Int("faces_after", after))
		} else {
			res.Skipped++
		}
	}
	o.Services.Logger.Info("simplified geometries",
		slog.Int("simplified", res.Processed), slog.Int("total", res.GeometryCount))
	return nil
}

func (o *Optimizer) cleanAll(ctx context.Context, sc *Scene, res *Result) error {
	for _, name := range sc.GeometryNames() {
		if err := aborted(ctx); err != nil {
			return err
		}
		g, _ := sc.Geometry(name)
		stop := o.Services.Monitor.Measure("clean geometry")
		stats := o.Mesh.CleanGeometry(g)
		stop()
		if stats.Changed() {
			res.Processed++
			o.Services.Logger.Debug("cleaned geometry",
				slog.String("geometry", name),
				slog.Int("unused_removed", stats.UnusedRemoved),
				slog.Int("merged", stats.MergedVertices),
				slog.Int("degenerate", stats.DegenerateFaces),
				slog.Int("duplicate", stats.DuplicateFaces),
				slog.Int("flipped", stats.FlippedFaces))
		}
	}
	return nil
}

type pipelineFunc func(context.Context, *Scene, *Result) (*Scene, error)

func (o *Optimizer) run(ctx context.Context, mode Mode, input, output string, fn pipelineFunc) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if output == "" {
		output = OutputPath(input, mode)
	}
	res := &Result{Mode: mode, InputPath: input, OutputPath: output}
	log := o.Services.Logger
	log.Info("optimization started",
		slog.String("mode", string(mode)),
		slog.String("input", input),
		slog.String("output", output))

	if err := o.Services.Files.ValidateInputFile(input); err != nil {
		return nil, err
	}
	if err := o.Services.Files.ValidateOutputPath(output); err != nil {
		return nil, err
	}
	if info, err := os.Stat(input); err == nil {
		res.InputSize = info.Size()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && o.Config.MaxProcessingTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Config.MaxProcessingTime)
		defer cancel()
	}

	stop := o.Services.Monitor.Measure("load scene")
	sc, err := LoadScene(input)
	stop()
	if err != nil {
		return nil, err
	}
	res.GeometryCount = sc.GeometryCount()
	res.VerticesBefore = sc.TotalVertices()
	res.FacesBefore = sc.TotalFaces()

	sc, err = fn(ctx, sc, res)
	if err != nil {
		return nil, err
	}
	res.VerticesAfter = sc.TotalVertices()
	res.FacesAfter = sc.TotalFaces()

	stop = o.Services.Monitor.Measure("save scene")
	err = SaveScene(sc, output)
	stop()
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(output)
	if err != nil {
		return nil, wrapErr(ErrFileOperation, "stat "+output, err)
	}
	res.OutputSize = info.Size()
	if o.Config.MinOutputSize > 0 && res.OutputSize < o.Config.MinOutputSize {
		return nil, errf(ErrFileOperation, "verify "+output,
			"output only %d bytes, below the minimum of %d", res.OutputSize, o.Config.MinOutputSize)
	}
	if res.InputSize > 0 && o.Config.AbnormalSizeRatio > 0 &&
		res.CompressionRatio() < o.Config.AbnormalSizeRatio {
		res.SizeWarning = true
		log.Warn("output abnormally small",
			slog.Int64("input_bytes", res.InputSize),
			slog.Int64("output_bytes", res.OutputSize))
	}
	res.Duration = time.Since(start)
	log.Info("optimization finished",
		slog.String("mode", string(mode)),
		slog.Int("geometries", res.GeometryCount),
		slog.Int("processed", res.Processed),
		slog.Int("failed", res.Failed),
		slog.Int64("input_bytes", res.InputSize),
		slog.Int64("output_bytes", res.OutputSize),
		slog.Duration("duration", res.Duration))
	o.Services.Monitor.LogSummary(log)
	return res, nil
}

func aborted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("optimization aborted: %w", err)
	}
	return nil
}
