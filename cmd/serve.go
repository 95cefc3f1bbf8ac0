package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentserver/bay/internal/cargo"
	"github.com/agentserver/bay/internal/db"
	"github.com/agentserver/bay/internal/driver"
	"github.com/agentserver/bay/internal/gc"
	"github.com/agentserver/bay/internal/lock"
	"github.com/agentserver/bay/internal/profile"
	"github.com/agentserver/bay/internal/proxy"
	"github.com/agentserver/bay/internal/sandbox"
	"github.com/agentserver/bay/internal/session"
)

var (
	dbURL         string
	driverKind    string
	profilesPath  string
	instanceID    string
	gcInterval    time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Bay control plane",
	Long:  `Start the background sandbox lifecycle engine and garbage collector.`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp()
		if err != nil {
			log.Fatalf("bay: %v", err)
		}
		defer app.database.Close()

		ctx, cancel := context.WithCancel(context.Background())
		go app.collector.Run(ctx)
		log.Printf("bay: gc loop started (instance_id=%s, interval=%s)", app.instanceID, app.gcInterval)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Printf("bay: received %v, shutting down", sig)
		cancel()
	},
}

var gcRunCmd = &cobra.Command{
	Use:   "gc-run",
	Short: "Force one garbage-collection cycle synchronously",
	Long:  `Runs all four GC tasks once and reports cleaned_count per task — the same seam tests use for determinism.`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp()
		if err != nil {
			log.Fatalf("bay: %v", err)
		}
		defer app.database.Close()

		result := app.collector.RunOnce(context.Background())
		for _, r := range result.Results {
			if r.Err != nil {
				fmt.Printf("%-24s error: %v\n", r.Task, r.Err)
				continue
			}
			fmt.Printf("%-24s cleaned=%d\n", r.Task, r.CleanedCount)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&dbURL, "db-url", "", "PostgreSQL connection string (or DATABASE_URL)")
	serveCmd.Flags().StringVar(&driverKind, "driver", "docker", "container driver: docker|k8s (or BAY_DRIVER)")
	serveCmd.Flags().StringVar(&profilesPath, "profiles", "", "path to the profiles YAML file (or BAY_PROFILES_FILE)")
	serveCmd.Flags().StringVar(&instanceID, "instance-id", "", "this process's GC fence token (or BAY_INSTANCE_ID, defaults to hostname)")
	serveCmd.Flags().DurationVar(&gcInterval, "gc-interval", 5*time.Second, "GC loop tick interval")

	gcRunCmd.Flags().StringVar(&dbURL, "db-url", "", "PostgreSQL connection string (or DATABASE_URL)")
	gcRunCmd.Flags().StringVar(&driverKind, "driver", "docker", "container driver: docker|k8s (or BAY_DRIVER)")
	gcRunCmd.Flags().StringVar(&profilesPath, "profiles", "", "path to the profiles YAML file (or BAY_PROFILES_FILE)")
	gcRunCmd.Flags().StringVar(&instanceID, "instance-id", "", "this process's GC fence token (or BAY_INSTANCE_ID, defaults to hostname)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gcRunCmd)
}

// app bundles the wired-up core so both `serve` and `gc-run` can share the
// same construction path.
type app struct {
	database   *db.DB
	collector  *gc.Collector
	sandboxes  *sandbox.Manager
	proxy      *proxy.Router
	instanceID string
	gcInterval time.Duration
}

func buildApp() (*app, error) {
	resolvedDBURL := dbURL
	if resolvedDBURL == "" {
		resolvedDBURL = os.Getenv("DATABASE_URL")
	}
	if resolvedDBURL == "" {
		return nil, fmt.Errorf("--db-url or DATABASE_URL is required")
	}

	database, err := db.Open(resolvedDBURL)
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}

	resolvedKind := driverKind
	driverFlagSet := false
	for _, c := range rootCmd.Commands() {
		if f := c.Flags().Lookup("driver"); f != nil && f.Changed {
			driverFlagSet = true
		}
	}
	if !driverFlagSet {
		if v := os.Getenv("BAY_DRIVER"); v != "" {
			resolvedKind = v
		}
	}

	var drv driver.Driver
	switch resolvedKind {
	case "docker":
		drv, err = driver.NewDockerDriver(driver.DefaultDockerConfig())
	case "k8s":
		drv, err = driver.NewK8sDriver(driver.DefaultK8sConfig())
	default:
		err = fmt.Errorf("unknown driver %q (supported: docker, k8s)", resolvedKind)
	}
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("driver init: %w", err)
	}

	resolvedInstanceID := instanceID
	if resolvedInstanceID == "" {
		resolvedInstanceID = os.Getenv("BAY_INSTANCE_ID")
	}
	if resolvedInstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			resolvedInstanceID = host
		} else {
			resolvedInstanceID = "bay-0"
		}
	}

	resolvedProfilesPath := profilesPath
	if resolvedProfilesPath == "" {
		resolvedProfilesPath = os.Getenv("BAY_PROFILES_FILE")
	}
	var profileMap map[string]*profile.Profile
	if resolvedProfilesPath != "" {
		profileMap, err = loadProfiles(resolvedProfilesPath)
		if err != nil {
			database.Close()
			return nil, err
		}
	} else {
		profileMap = map[string]*profile.Profile{}
	}
	profileStore := profile.NewStaticStore(profileMap)

	httpClient := &http.Client{Timeout: 30 * time.Second}

	locks := lock.NewRegistry()
	cargoMgr := cargo.NewManager(database, drv)
	sessionMgr := session.NewManager(database, drv, httpClient, resolvedInstanceID)
	sandboxMgr := sandbox.NewManager(database, locks, cargoMgr, sessionMgr, profileStore)
	proxyRouter := proxy.NewRouter(httpClient)

	gcCfg := gc.DefaultConfig(resolvedInstanceID)
	gcCfg.Interval = gcInterval
	collector := gc.NewCollector(gcCfg, database, drv, sandboxMgr, cargoMgr)

	return &app{
		database:   database,
		collector:  collector,
		sandboxes:  sandboxMgr,
		proxy:      proxyRouter,
		instanceID: resolvedInstanceID,
		gcInterval: gcInterval,
	}, nil
}

