// Command dyzen-modelctl converts checkpoints to ONNX, validates the
// results and issues bearer tokens for the enhance endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"dyzen-server-go/internal/domain/auth"
	"dyzen-server-go/internal/domain/conversion"
	"dyzen-server-go/internal/domain/model"
	"dyzen-server-go/internal/domain/model/onnx"
	"dyzen-server-go/internal/domain/model/worker"
	"dyzen-server-go/internal/platform/config"
	"dyzen-server-go/internal/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "convert":
		return runConvert(ctx, args[1:])
	case "validate":
		return runValidate(ctx, args[1:])
	case "check":
		return runCheck(ctx, args[1:])
	case "token":
		return runToken(args[1:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: dyzen-modelctl <subcommand> [flags]

Subcommands:
  convert     Export checkpoints to ONNX, validate them and write the manifest
  validate    Run one forward pass through a single model file
  check       Verify every model in the manifest is present and valid
  token       Issue a bearer token for the enhance endpoint

Run 'dyzen-modelctl <subcommand> --help' for subcommand flags.
`)
}

// common holds the flags every model subcommand shares.
type common struct {
	configPath string
	verbose    bool
}

func (c *common) register(flags *pflag.FlagSet) {
	flags.StringVarP(&c.configPath, "config", "c", "", "path to config.yaml")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "log debug output")
}

func (c *common) load() (*config.Config, *utils.Logger, error) {
	res, err := config.NewLoader().WithPath(c.configPath).Load()
	if err != nil {
		return nil, nil, err
	}
	level := "info"
	if c.verbose {
		level = "debug"
	}
	logger, err := utils.NewLogger(&utils.LogCfg{
		LogLevel: level,
		LogDir:   res.Config.Log.Dir,
		LogFile:  "modelctl.log",
	})
	if err != nil {
		return nil, nil, err
	}
	return res.Config, logger, nil
}

// openRuntime starts the configured runtime. The tool cannot validate
// anything without one, so "none" is an error here.
func openRuntime(ctx context.Context, cfg *config.Config, logger *utils.Logger) (model.Runtime, error) {
	switch cfg.Models.Runtime {
	case "onnx":
		return onnx.New(onnx.Config{
			SharedLibrary: cfg.Models.ONNX.SharedLibrary,
			InputName:     cfg.Models.ONNX.InputName,
			OutputName:    cfg.Models.ONNX.OutputName,
		}, logger)
	case "worker":
		return worker.Start(ctx, worker.Config{
			Command:   cfg.Models.Worker.Command,
			Args:      cfg.Models.Worker.Args,
			Timeout:   cfg.Models.Worker.Timeout,
			InputName: cfg.Models.ONNX.InputName,
		}, logger)
	default:
		return nil, fmt.Errorf("models.runtime must be onnx or worker to validate models, got %q", cfg.Models.Runtime)
	}
}

func parseFlags(flags *pflag.FlagSet, args []string) (bool, error) {
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func runConvert(ctx context.Context, args []string) error {
	var (
		shared        common
		checkpointDir string
		outputDir     string
		exporter      = conversion.DefaultExporter()
	)
	flags := pflag.NewFlagSet("convert", pflag.ContinueOnError)
	shared.register(flags)
	flags.StringVar(&checkpointDir, "checkpoints", "models", "directory holding autoencoder_b*.pt and espcn_model.pt")
	flags.StringVar(&outputDir, "output", "", "output directory (default: the manifest's directory)")
	flags.StringVar(&exporter.Command, "exporter", exporter.Command, "exporter executable")
	flags.StringSliceVar(&exporter.Args, "exporter-args", exporter.Args, "leading exporter arguments")
	flags.DurationVar(&exporter.Timeout, "timeout", exporter.Timeout, "per-model export timeout")
	if ok, err := parseFlags(flags, args); !ok {
		return err
	}

	cfg, logger, err := shared.load()
	if err != nil {
		return err
	}
	defer logger.Close()

	if outputDir == "" {
		outputDir = filepath.Dir(cfg.Models.Manifest)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	runtime, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer runtime.Close()

	tool := conversion.NewTool(conversion.NewConverter(exporter, logger), runtime, logger)
	report, err := tool.Convert(ctx, outputDir, conversion.DefaultPlan(checkpointDir, outputDir))
	if err != nil {
		return err
	}
	return printReport(report)
}

func runValidate(ctx context.Context, args []string) error {
	var (
		shared common
		path   string
		id     string
		kind   string
		level  int
		shape  []int
	)
	flags := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	shared.register(flags)
	flags.StringVar(&path, "model", "", "path to the .onnx file (required)")
	flags.StringVar(&id, "id", "", "artifact id (default: file name)")
	flags.StringVar(&kind, "kind", string(model.KindEnhancer), "compressor or enhancer")
	flags.IntVar(&level, "level", 0, "bottleneck size for compressors")
	flags.IntSliceVar(&shape, "shape", []int{
		model.DefaultShape.Channels, model.DefaultShape.Height, model.DefaultShape.Width,
	}, "declared channels,height,width")
	if ok, err := parseFlags(flags, args); !ok {
		return err
	}
	if path == "" {
		return fmt.Errorf("--model is required")
	}
	if len(shape) != 3 {
		return fmt.Errorf("--shape needs channels,height,width")
	}
	if id == "" {
		id = trimExt(filepath.Base(path))
	}

	cfg, logger, err := shared.load()
	if err != nil {
		return err
	}
	defer logger.Close()

	runtime, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer runtime.Close()

	declared := model.Shape{Channels: shape[0], Height: shape[1], Width: shape[2]}
	artifact := model.Artifact{
		ID:        id,
		Kind:      model.Kind(kind),
		Parameter: level,
		Path:      path,
	}
	if _, err := conversion.Validate(ctx, runtime, artifact, declared); err != nil {
		return err
	}
	fmt.Printf("%s ok %s\n", id, declared)
	return nil
}

func runCheck(ctx context.Context, args []string) error {
	var (
		shared   common
		manifest string
	)
	flags := pflag.NewFlagSet("check", pflag.ContinueOnError)
	shared.register(flags)
	flags.StringVar(&manifest, "manifest", "", "manifest path (default: models.manifest from config)")
	if ok, err := parseFlags(flags, args); !ok {
		return err
	}

	cfg, logger, err := shared.load()
	if err != nil {
		return err
	}
	defer logger.Close()
	if manifest == "" {
		manifest = cfg.Models.Manifest
	}

	runtime, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer runtime.Close()

	dir := filepath.Dir(manifest)
	expected := conversion.PlanIDs(conversion.DefaultPlan(dir, dir))
	report, err := conversion.NewTool(nil, runtime, logger).Check(ctx, manifest, expected)
	if err != nil {
		return err
	}
	return printReport(report)
}

func runToken(args []string) error {
	var (
		configPath string
		subject    string
		scopes     []string
		ttl        time.Duration
	)
	flags := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	flags.StringVar(&subject, "subject", "operator", "token subject")
	flags.StringSliceVar(&scopes, "scope", []string{auth.ScopeEnhance}, "granted scopes")
	flags.DurationVar(&ttl, "ttl", 0, "token lifetime (default: server.auth.token_ttl)")
	if ok, err := parseFlags(flags, args); !ok {
		return err
	}

	res, err := config.NewLoader().WithPath(configPath).Load()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = res.Config.Server.Auth.TokenTTL
	}
	tokens, err := auth.NewAuthToken(res.Config.Server.Auth.Secret)
	if err != nil {
		return err
	}
	token, err := tokens.WithTTL(ttl).GenerateToken(subject, scopes...)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func printReport(report conversion.Report) error {
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !report.OK() {
		return fmt.Errorf("%d missing, %d failed", len(report.Missing), len(report.Failed))
	}
	return nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
