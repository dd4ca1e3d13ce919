package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/zetaloop/simple-vertex-bridge/pkg/config"
	"github.com/zetaloop/simple-vertex-bridge/pkg/credential"
	"github.com/zetaloop/simple-vertex-bridge/pkg/logutil"
	"github.com/zetaloop/simple-vertex-bridge/pkg/proxy"
	"github.com/zetaloop/simple-vertex-bridge/pkg/version"
)

var (
	flagConfigPath     string
	flagLogLevel       string
	flagPort           int
	flagBind           string
	flagKey            string
	flagAutoRefresh    bool
	flagNoAutoRefresh  bool
	flagFilterModels   bool
	flagNoFilterModels bool
)

var overlayFlagNames = []string{
	"port", "bind", "key",
	"auto-refresh", "no-auto-refresh",
	"filter-model-names", "no-filter-model-names",
}

var rootCmd = &cobra.Command{
	Use:   "svbridge",
	Short: "Simple Vertex Bridge",
	Long:  "OpenAI-compatible bridge to Vertex AI with managed gcloud credentials.",
	RunE:  runServe,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.Version = version.String()

	f := rootCmd.Flags()
	f.StringVar(&flagConfigPath, "config", config.DefaultFileName, "Config JSON path")
	f.StringVar(&flagLogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	f.IntVarP(&flagPort, "port", "p", 8086, "Port to listen on")
	f.StringVarP(&flagBind, "bind", "b", "localhost", "Host to bind to")
	f.StringVarP(&flagKey, "key", "k", "", "API key required from callers, empty accepts any")
	f.BoolVar(&flagAutoRefresh, "auto-refresh", true, "Background token refresh check every 5 minutes")
	f.BoolVar(&flagNoAutoRefresh, "no-auto-refresh", false, "Disable the background token refresh")
	f.BoolVar(&flagFilterModels, "filter-model-names", true, "Only list the common chat model families")
	f.BoolVar(&flagNoFilterModels, "no-filter-model-names", false, "List every model the upstream reports")
	rootCmd.MarkFlagsMutuallyExclusive("auto-refresh", "no-auto-refresh")
	rootCmd.MarkFlagsMutuallyExclusive("filter-model-names", "no-filter-model-names")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := logutil.Configure(flagLogLevel); err != nil {
		return err
	}
	cfg, err := config.LoadOrCreate(flagConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Info("config loaded", "path", flagConfigPath)
	store := config.NewStore(flagConfigPath, cfg)
	if err := overlayFlags(cmd, store); err != nil {
		return fmt.Errorf("apply flags: %w", err)
	}
	snapshot := store.Snapshot()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source := credential.GoogleSource{}
	project := snapshot.Project
	if project == "" {
		project, err = source.ProjectID(ctx)
		if err != nil {
			return fmt.Errorf("resolve project id: %w", err)
		}
	}
	log.Info("google project resolved", "project", project)

	creds := credential.NewStore()
	seedCredential(creds, snapshot)
	refresher := credential.NewRefresher(creds, source, func(c credential.Credential) {
		err := store.Update(func(cfg *config.Config) error {
			cfg.AccessToken = c.Token
			cfg.TokenExpiry = c.ExpiresAt.UTC().Format(time.RFC3339)
			return nil
		})
		if err != nil {
			log.Error("failed to persist refreshed token", "err", err)
		}
	})
	defer refresher.Close()

	if snapshot.AutoRefresh {
		go refresher.Run(ctx)
	}

	if !snapshot.BindIsLoopback() && snapshot.Key == "" {
		log.Warn("server is exposed beyond loopback, please set an API key")
	} else if snapshot.Key != "" {
		log.Info("caller API key configured")
	}
	log.Info("starting server", "url", "http://"+snapshot.Addr())

	upstream := proxy.NewUpstream(snapshot.Location, project)
	srv := proxy.NewServer(snapshot, refresher, upstream)
	return srv.Run(ctx)
}

// overlayFlags folds explicitly passed flags into the config file, so a
// setting given once on the command line sticks for later runs.
func overlayFlags(cmd *cobra.Command, store *config.Store) error {
	f := cmd.Flags()
	changed := false
	for _, name := range overlayFlagNames {
		if f.Changed(name) {
			changed = true
			break
		}
	}
	if !changed {
		return nil
	}
	return store.Update(func(cfg *config.Config) error {
		if f.Changed("port") {
			cfg.Port = flagPort
		}
		if f.Changed("bind") {
			cfg.Bind = flagBind
		}
		if f.Changed("key") {
			cfg.Key = flagKey
		}
		if f.Changed("auto-refresh") {
			cfg.AutoRefresh = flagAutoRefresh
		}
		if f.Changed("no-auto-refresh") {
			cfg.AutoRefresh = !flagNoAutoRefresh
		}
		if f.Changed("filter-model-names") {
			cfg.FilterModelNames = flagFilterModels
		}
		if f.Changed("no-filter-model-names") {
			cfg.FilterModelNames = !flagNoFilterModels
		}
		return nil
	})
}

// seedCredential reuses a previously persisted token when it still has a
// comfortable amount of lifetime left.
func seedCredential(creds *credential.Store, cfg config.Config) {
	if cfg.AccessToken == "" || cfg.TokenExpiry == "" {
		return
	}
	expiry, err := time.Parse(time.RFC3339, cfg.TokenExpiry)
	if err != nil {
		log.Warn("ignoring persisted token with invalid expiry", "err", err)
		return
	}
	c := credential.Credential{Token: cfg.AccessToken, ExpiresAt: expiry}
	if c.ExpiringWithin(time.Now(), credential.ExpiryMargin) {
		return
	}
	creds.Set(c)
	log.Info("reusing persisted token", "expires", cfg.TokenExpiry)
}
