// detect-image runs fire and smoke detection on one image file and prints
// what the model found.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vzahanych/firewatch/internal/ai"
	"github.com/vzahanych/firewatch/internal/config"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/storage"
	"github.com/vzahanych/firewatch/internal/stream"
	"github.com/vzahanych/firewatch/internal/video"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	modelURL   string
	confidence float64
	output     string
	image      string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("detect-image", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&o.modelURL, "model", "", "Model server URL (overrides config)")
	fs.Float64Var(&o.confidence, "conf", 0.3, "Minimum detection confidence")
	fs.StringVar(&o.output, "o", "", "Write the annotated JPEG here (default result_<stem>.jpg next to the input)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() != 1 {
		return o, errors.New("usage: detect-image [flags] <image>")
	}
	o.image = fs.Arg(0)
	return o, nil
}

func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.modelURL != "" {
		cfg.Model.URL = opts.modelURL
	}

	log, err := logger.New(logger.LogConfig{Level: "warn", Format: "text", Output: "stderr"})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	src, err := video.FileOpener{Path: opts.image, Quality: cfg.Stream.JPEGQuality}.Open(context.Background())
	if err != nil {
		return fmt.Errorf("image file not found at %s: %w", opts.image, err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Model.Timeout)
	defer cancel()

	frame, err := src.Next(ctx)
	if err != nil {
		return err
	}

	client := ai.NewClient(ai.ClientConfig{ServiceURL: cfg.Model.URL, Timeout: cfg.Model.Timeout}, log)
	params := cfg.Detection.Upload.Policy("upload").Inference
	params.Confidence = opts.confidence

	fmt.Fprintf(out, "Running fire detection on: %s\n", opts.image)
	dets, err := client.Infer(ctx, frame, params)
	if err != nil {
		return err
	}

	if len(dets) == 0 {
		fmt.Fprintln(out, "No fire or smoke detected in the image.")
	}
	for _, d := range dets {
		fmt.Fprintf(out, "Detected: %s with confidence: %.2f%%\n", d.ClassLabel, d.Confidence*100)
	}

	annotator, err := stream.NewAnnotator(cfg.Stream.JPEGQuality)
	if err != nil {
		return err
	}
	annotated, err := annotator.Annotate(frame.Data, dets)
	if err != nil {
		return err
	}

	dest := opts.output
	if dest == "" {
		dest = filepath.Join(filepath.Dir(opts.image), storage.ResultName(filepath.Base(opts.image)))
	}
	if err := os.WriteFile(dest, annotated, 0o644); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	fmt.Fprintf(out, "\nResults saved to: %s\n", dest)
	return nil
}
