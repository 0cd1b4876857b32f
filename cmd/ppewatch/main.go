package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/a-marczewski/ppewatch/internal/app"
	"github.com/a-marczewski/ppewatch/internal/doctor"
	"github.com/a-marczewski/ppewatch/internal/server/stream"
	"github.com/a-marczewski/ppewatch/internal/storage"
	"github.com/a-marczewski/ppewatch/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ppewatch",
	Short: "ppewatch - PPE compliance monitoring for live video",
	Long: `ppewatch ingests per-frame detections from live camera streams, tracks PPE
evidence per person and raises one alert per compliance-loss episode.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default .ppewatch/config.toml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(statsCmd)
}

// withApp builds the App after flags are parsed and closes it afterwards.
func withApp(runFunc func(*app.App, *cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(configPath)
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		defer a.Close()
		return runFunc(a, cmd, args)
	}
}

var (
	versionCheck bool
	releasesURL  string
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("ppewatch v%s\n", version.Version)
		if !versionCheck {
			return nil
		}
		latest, err := version.NewChecker(version.ResolveURL(releasesURL)).Newer(cmd.Context())
		if err != nil {
			return fmt.Errorf("update check failed: %w", err)
		}
		if latest != "" {
			fmt.Printf("A newer release is available: v%s\n", latest)
		} else {
			fmt.Println("You are running the latest release.")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "check for a newer release")
	versionCmd.Flags().StringVar(&releasesURL, "releases-url", "", "latest release endpoint (default $"+version.ReleasesURLEnv+" or the project page)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the stream server and worker pools",
	RunE:  withApp(runServeCmd),
}

func runServeCmd(a *app.App, cmd *cobra.Command, args []string) error {
	if err := a.StartPipeline(nil); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := stream.NewServer(a)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.Core.Logger.Error("Server failed", zap.Error(err))
		}
		return err
	case <-ctx.Done():
	}

	a.Core.Logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.Core.Logger.Warn("Server shutdown incomplete", zap.Error(err))
	}
	return nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the database and whether the server is listening",
	RunE:  withApp(runHealthCmd),
}

func runHealthCmd(a *app.App, cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	if err := a.Core.DB.Ping(ctx); err != nil {
		a.Core.Logger.Error("Database connectivity check failed", zap.Error(err))
		fmt.Printf("❌ Database connectivity: %v\n", err)
		healthy = false
	} else {
		fmt.Println("✅ Database connectivity: OK")
	}

	addr := a.Core.Config.ListenAddr
	if err := checkListening(addr); err != nil {
		fmt.Printf("! Server not listening on %s: %v\n", addr, err)
	} else {
		fmt.Printf("✅ Server listening on %s\n", addr)
	}

	fmt.Println("Health check complete.")
	if !healthy {
		return errors.New("health check failed")
	}
	return nil
}

// checkListening dials addr, defaulting an empty host to loopback.
func checkListening(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostics on the ppewatch installation",
	RunE:  withApp(runDoctorCmd),
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print diagnostics as JSON")
}

func runDoctorCmd(a *app.App, cmd *cobra.Command, args []string) error {
	runner := doctor.NewRunner(a.Core.Config, a.Core.DB, a.Storage.Objects)
	diagnostics := runner.RunAll(cmd.Context())

	if doctorJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diagnostics); err != nil {
			return err
		}
	} else {
		diagnostics.PrintReport(os.Stdout)
	}

	if len(diagnostics.Issues) > 0 {
		return fmt.Errorf("%d diagnostic check(s) failed", len(diagnostics.Issues))
	}
	return nil
}

var (
	recentCamera  string
	recentSession string
	recentLimit   int
	recentJSON    bool
)

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the most recently stored frames",
	RunE:  withApp(runRecentCmd),
}

func init() {
	recentCmd.Flags().StringVar(&recentCamera, "camera", "", "only frames from this camera id")
	recentCmd.Flags().StringVar(&recentSession, "session", "", "only frames from this session id")
	recentCmd.Flags().IntVarP(&recentLimit, "limit", "n", 10, "number of frames to show")
	recentCmd.Flags().BoolVar(&recentJSON, "json", false, "print frames as JSON lines")
}

func runRecentCmd(a *app.App, cmd *cobra.Command, args []string) error {
	frames, err := a.Storage.Frames.Recent(cmd.Context(), storage.RecentQuery{
		CameraID:  recentCamera,
		SessionID: recentSession,
		Limit:     recentLimit,
	})
	if err != nil {
		a.Core.Logger.Error("Failed to read recent frames", zap.Error(err))
		return err
	}

	if recentJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, f := range frames {
			if err := enc.Encode(f); err != nil {
				return err
			}
		}
		return nil
	}

	fmt.Printf("Recent frames (showing %d):\n\n", len(frames))
	for _, f := range frames {
		fmt.Printf("[%d] camera=%s session=%s frame=%d\n", f.ID, orDash(f.CameraID), orDash(f.SessionID), f.FrameNum)
		fmt.Printf("    Date: %s\n", f.Timestamp.Local().Format("2006-01-02 15:04:05"))
		if alerts := string(f.Alerts); alerts != "" && alerts != "[]" && alerts != "null" {
			fmt.Printf("    Alerts: %s\n", alerts)
		}
		if f.ArtifactURL != "" {
			fmt.Printf("    Artifact: %s\n", f.ArtifactURL)
		}
		fmt.Println()
	}
	return nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stored detection statistics",
	RunE:  withApp(runStatsCmd),
}

func runStatsCmd(a *app.App, cmd *cobra.Command, args []string) error {
	counts, err := a.Storage.Frames.Count(cmd.Context())
	if err != nil {
		a.Core.Logger.Error("Failed to count stored frames", zap.Error(err))
		return err
	}

	fmt.Printf("Stored frames: %d\n", counts.Frames)
	fmt.Printf("Sessions: %d\n", counts.Sessions)
	fmt.Printf("Cameras: %d\n", counts.Cameras)
	fmt.Printf("Frames with alerts: %d\n", counts.Alerting)
	fmt.Printf("Database: %s\n", a.Core.DB.Path())
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
