// Command pybridge is a standalone driver for the Python data source
// bridge: it registers a handler definition, plans a scan through a
// Python worker process and prints the rows and transfer counters. It
// exists for local debugging of handlers outside the host engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/nucleus/pybridge/internal/config"
	"github.com/nucleus/pybridge/pkg/bridge"
	"github.com/nucleus/pybridge/pkg/datasource"
	"github.com/nucleus/pybridge/pkg/logger"
	"github.com/nucleus/pybridge/pkg/staging"
)

func main() {
	var (
		configFile = flag.String("config", "", "optional config file (PYBRIDGE_* env vars win)")
		defFile    = flag.String("def", "", "path to the serialized handler definition")
		entryPoint = flag.String("entry", "", "handler entry point name")
		source     = flag.String("source", "demo", "source name to register the handler under")
		schema     = flag.String("schema", "", "caller-declared schema DDL, used when the handler declares none")
		optionList = flag.String("options", "", "comma-separated key=value handler options")
	)
	flag.Parse()

	if err := run(*configFile, *defFile, *entryPoint, *source, *schema, *optionList); err != nil {
		fmt.Fprintln(os.Stderr, "pybridge:", err)
		os.Exit(1)
	}
}

func run(configFile, defFile, entryPoint, source, schemaDDL, optionList string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if defFile == "" || entryPoint == "" {
		return fmt.Errorf("-def and -entry are required")
	}
	payload, err := os.ReadFile(defFile)
	if err != nil {
		return fmt.Errorf("read handler definition: %w", err)
	}

	b := bridge.NewFromConfig(cfg, bridge.WithStaging(buildStaging(cfg)))
	b.RegisterPython(source, datasource.Definition{Payload: payload, EntryPoint: entryPoint})

	ctx := logger.WithContext(context.Background(), logger.With("driver", "pybridge"))
	table, err := b.Table(ctx, source, bridge.TableOptions{
		Options:        parseOptions(optionList),
		DeclaredSchema: schemaDDL,
	})
	if err != nil {
		return err
	}

	logger.With("source", source).Info("plan complete",
		"partitions", table.PartitionCount(), "schema", table.Schema().String())

	res, err := table.ScanAll(ctx)
	if err != nil {
		return err
	}
	for _, row := range res.Rows {
		fmt.Println(formatRow(row))
	}
	for name, value := range res.Metrics.Report() {
		fmt.Printf("# %s=%s\n", name, value)
	}
	return nil
}

// buildStaging registers the memory and object-store providers and, when
// MINIO_ENDPOINT is set, the MinIO provider.
func buildStaging(cfg *config.BridgeConfig) *staging.Registry {
	reg := staging.NewRegistry(
		staging.NewMemoryProvider(staging.DefaultMemoryCapBytes),
		staging.NewObjectStoreProvider(""),
	)
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		p, err := staging.NewMinIOProvider(context.Background(), staging.MinIOConfig{
			EndpointURL:     endpoint,
			AccessKeyID:     os.Getenv("MINIO_ACCESS_KEY"),
			SecretAccessKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:          envOr("MINIO_BUCKET", "pybridge-staging"),
			BasePrefix:      os.Getenv("MINIO_STAGE_PREFIX"),
		})
		if err != nil {
			logger.Get().Warn("minio staging unavailable", "error", err)
		} else {
			reg.Register(p)
		}
	}
	return reg
}

func parseOptions(list string) datasource.Options {
	if list == "" {
		return nil
	}
	opts := make(datasource.Options)
	for _, pair := range strings.Split(list, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		opts[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return opts
}

func formatRow(row datasource.Row) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\t")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
