package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"locomote/internal/app"
	"locomote/internal/cache"
	"locomote/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer
// app.Close(). runName identifies the CLI command being run
// (e.g. "Serve", "RefreshAll").
func newApp(ctx context.Context, runName string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	passphrase := ""
	if cfg.Cache.Type == "encrypted" {
		passphrase, err = cachePassphrase("Cache key passphrase (empty if none): ")
		if err != nil {
			return nil, err
		}
	}

	a, err := app.NewApp(ctx, cfg, runName, passphrase)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// cachePassphrase returns the cache key passphrase, from the
// LOCOMOTE_CACHE_PASSPHRASE environment variable when set, otherwise by
// prompting on the terminal.
func cachePassphrase(prompt string) (string, error) {
	if p, ok := os.LookupEnv("LOCOMOTE_CACHE_PASSPHRASE"); ok {
		return p, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(raw), nil
}

var rootCmd = &cobra.Command{
	Use:   "locomote",
	Short: "Offline-first content replica server",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		fmt.Println("Add [[origins]] entries before starting the server.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:  %s\n", cfg.LogDir)
		fmt.Printf("Listen:   %s\n", cfg.Listen)
		fmt.Printf("Store:    %s (%s)\n", cfg.Store.Type, cfg.Store.Dir)
		fmt.Printf("Cache:    %s (%s)\n", cfg.Cache.Type, cfg.Cache.Dir)
		for _, o := range cfg.Origins {
			fmt.Printf("Origin:   %s mounted at %s\n", o.URL, o.Mount)
		}
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the replica server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "Serve")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}

// refresh command
var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Sync origins with their remotes",
	RunE: func(cmd *cobra.Command, args []string) error {
		originURL, _ := cmd.Flags().GetString("origin")

		ctx := cmd.Context()
		a, err := newApp(ctx, "RefreshAll")
		if err != nil {
			return err
		}
		defer a.Close()

		if originURL != "" {
			if err := a.RefreshOrigin(ctx, originURL); err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}
		} else {
			if err := a.RefreshAll(ctx); err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}
		}

		fmt.Println("Refresh complete.")
		return nil
	},
}

// clean command
var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove deleted records and their cached content",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "CleanAll")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.CleanAll(ctx); err != nil {
			return fmt.Errorf("clean failed: %w", err)
		}

		fmt.Println("Clean complete.")
		return nil
	},
}

// query command
var queryCmd = &cobra.Command{
	Use:   "query ORIGIN_URL QUERY",
	Short: "Query an origin's file database",
	Long: `Query an origin's local file database with a query string, e.g.

  locomote query https://cms.example.com/ 'category=posts&$orderBy=page.date&$limit=10'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "Query")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Query(ctx, args[0], args[1])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage content caches",
}

var cacheKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a key file for the encrypted cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if cfg.Cache.KeyFile == "" {
			return fmt.Errorf("no cache key_file configured")
		}
		if _, err := os.Stat(cfg.Cache.KeyFile); err == nil {
			return fmt.Errorf("key file already exists at %s", cfg.Cache.KeyFile)
		}

		passphrase, err := cachePassphrase("Passphrase to protect the key (empty for none): ")
		if err != nil {
			return err
		}

		if err := cache.GenerateKeyFile(cfg.Cache.KeyFile, passphrase); err != nil {
			return fmt.Errorf("generating key file: %w", err)
		}

		fmt.Printf("Key file written to %s\n", cfg.Cache.KeyFile)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// cache subcommands
	cacheCmd.AddCommand(cacheKeygenCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(refreshCmd)
	refreshCmd.Flags().String("origin", "", "Refresh only the origin with this URL")
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(cacheCmd)
}
