package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	glbopt "github.com/flywave/go-glbopt"
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "normal", "optimization mode: normal, aggressive, ultra, vertex or repair")
	ratio := flag.Float64("ratio", 0, "target face ratio for decimation, 0.05 to 1.0 (default per mode)")
	output := flag.String("output", "", "output path (default: <input stem>_<mode><ext>)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn or error")
	logFile := flag.String("log-file", "", "append logs to this file instead of stderr")
	noValidation := flag.Bool("no-validation", false, "skip scene content validation before optimizing")
	timeout := flag.Duration("timeout", 0, "abort processing after this duration (default: config limit)")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: glbopt [flags] <input.glb|input.gltf>\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 1
	}
	input := flag.Arg(0)

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	var logDst io.Writer = os.Stderr
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			return 1
		}
		defer f.Close()
		logDst = f
	}
	logger := slog.New(slog.NewTextHandler(logDst, &slog.HandlerOptions{Level: level}))
	glbopt.SetLogger(logger)

	var params glbopt.ParameterValidator
	m, err := params.ValidateMode(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg := glbopt.DefaultConfig()
	if *timeout > 0 {
		cfg.MaxProcessingTime = *timeout
	}
	targetRatio := cfg.Preset(m).TargetRatio
	if *ratio != 0 {
		if err := params.ValidateTargetRatio(*ratio); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		targetRatio = *ratio
	}
	logger.Debug("target ratio", slog.Float64("ratio", targetRatio))

	svc := glbopt.NewServices(cfg, logger)
	opt := glbopt.NewOptimizer(cfg, svc)

	if !*noValidation {
		if err := svc.Files.ValidateSceneContent(input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.MaxProcessingTime)
	defer cancel()

	res, err := opt.Optimize(ctx, m, input, *output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Optimized %s -> %s (%s mode)\n", res.InputPath, res.OutputPath, res.Mode)
	fmt.Printf("Geometries: %d, processed: %d, failed: %d\n",
		res.GeometryCount, res.Processed, res.Failed)
	fmt.Printf("Vertices: %d -> %d, faces: %d -> %d\n",
		res.VerticesBefore, res.VerticesAfter, res.FacesBefore, res.FacesAfter)
	if res.Mode == glbopt.ModeRepair {
		fmt.Printf("Repaired: %d, already clean: %d, success rate: %.1f%%\n",
			res.Repaired, res.AlreadyClean, res.SuccessRate())
	}
	if res.Textures.Found {
		fmt.Printf("Textures processed: %d, failed: %d\n", res.Textures.Processed, res.Textures.Failed)
	}
	fmt.Printf("Size: %s -> %s (%.1f%%) in %s\n",
		byteSize(res.InputSize), byteSize(res.OutputSize),
		res.CompressionRatio()*100, res.Duration.Round(time.Millisecond))
	if res.SizeWarning {
		fmt.Println("Warning: output is abnormally small compared to the input.")
	}
	return 0
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func byteSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
