package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-image/pkg/simpleimage/config"
	"github.com/tendant/simple-image/pkg/simpleimage/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	var verbose bool
	var asJSON bool

	rootCmd := &cobra.Command{
		Use:   "imagectl",
		Short: "Simple Image CLI - ingest images and manage entity links",
		Long: `Simple Image Command Line Interface

Runs the ingestion pipeline and the entity-linking operations directly
against the configured database and object storage, without a server.

Configuration is read from the environment (and a .env file) with the
same variables as the server: DATABASE_URL, STORAGE_URL, VARIANT_WIDTHS, ...
Uses in-memory storage by default, which only lives for one command.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(NewIngestCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewShowCommand())
	rootCmd.AddCommand(NewDeleteCommand())
	rootCmd.AddCommand(NewLinkCommand())
	rootCmd.AddCommand(NewUnlinkCommand())
	rootCmd.AddCommand(NewImagesCommand())
	rootCmd.AddCommand(NewPrimaryCommand())
	rootCmd.AddCommand(NewMigrateCommand())

	return rootCmd
}

// loadComponents builds the pipeline from the environment. The caller must
// Close the result.
func loadComponents(cmd *cobra.Command) (*config.Components, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	logger := logging.New(os.Stderr, logging.ParseLevel(level), "development")
	slog.SetDefault(logger)

	return cfg.Build(cmd.Context(), logger, nil)
}

// withComponents runs fn with a freshly built pipeline and releases it afterwards.
func withComponents(cmd *cobra.Command, fn func(ctx context.Context, comp *config.Components) error) error {
	comp, err := loadComponents(cmd)
	if err != nil {
		return err
	}
	defer comp.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, comp)
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
