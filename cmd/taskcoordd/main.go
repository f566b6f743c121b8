// Command taskcoordd is the task coordination daemon: it loads a YAML
// configuration, opens the SQLite store, wires the dispatcher,
// lifecycle engine, dependency validator, agent registry, control
// loops, alerting, and optional NATS mirror behind
// internal/coordinator.Service, and serves internal/api's HTTP and
// WebSocket endpoints until asked to shut down. Grounded on
// cmd/cliaimonitor/main.go's flag/instance/signal wiring.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/taskforge/coordinator/internal/agentry"
	"github.com/taskforge/coordinator/internal/alerting"
	"github.com/taskforge/coordinator/internal/alerting/external"
	"github.com/taskforge/coordinator/internal/api"
	"github.com/taskforge/coordinator/internal/config"
	"github.com/taskforge/coordinator/internal/control"
	"github.com/taskforge/coordinator/internal/coordinator"
	"github.com/taskforge/coordinator/internal/dependency"
	"github.com/taskforge/coordinator/internal/dispatcher"
	"github.com/taskforge/coordinator/internal/eventbus"
	"github.com/taskforge/coordinator/internal/instance"
	"github.com/taskforge/coordinator/internal/lifecycle"
	natsmirror "github.com/taskforge/coordinator/internal/nats"
	"github.com/taskforge/coordinator/internal/ratelimit"
	"github.com/taskforge/coordinator/internal/store"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file (defaults applied if omitted)")
	basePathFlag := flag.String("base", "", "base directory for data/pid files (defaults to executable directory)")
	status := flag.Bool("status", false, "show status of the running instance")
	stop := flag.Bool("stop", false, "stop the running instance gracefully")
	forceStop := flag.Bool("force-stop", false, "force kill the running instance")
	flag.Parse()

	basePath := *basePathFlag
	if basePath == "" {
		basePath = getBasePath()
	}

	pidFilePath := filepath.Join(basePath, "data", "taskcoordd.pid")

	if *status {
		showInstanceStatus(pidFilePath)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *stop || *forceStop {
		stopInstance(pidFilePath, *forceStop)
		return
	}

	if err := run(basePath, pidFilePath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "taskcoordd: %v\n", err)
		os.Exit(1)
	}
}

func run(basePath, pidFilePath string, cfg *config.Config) error {
	_, port, err := parseListenAddr(cfg.Listen)
	if err != nil {
		return fmt.Errorf("parse listen address %q: %w", cfg.Listen, err)
	}

	instanceMgr := instance.NewManager(pidFilePath, cfg.DBPath, port)
	existingInfo, err := instanceMgr.CheckExistingInstance()
	if err != nil {
		return fmt.Errorf("check existing instance: %w", err)
	}
	if existingInfo != nil && existingInfo.IsRunning {
		resolver := instance.NewConflictResolver(instanceMgr)
		if err := resolver.Resolve(existingInfo); err != nil {
			return fmt.Errorf("resolve instance conflict: %w", err)
		}
		port = instanceMgr.GetPort()
	}

	if err := instanceMgr.AcquireLock(); err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer instanceMgr.ReleaseLock()

	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(basePath, dbPath)
	}
	s, err := store.Open(dbPath, store.Config{
		MaxOpenConns:   cfg.DBPoolMax,
		MaxIdleConns:   cfg.DBPoolMin,
		CommandTimeout: cfg.DBCommandTimeout(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	var roster *agentry.Roster
	if cfg.RosterPath != "" {
		rosterPath := cfg.RosterPath
		if !filepath.IsAbs(rosterPath) {
			rosterPath = filepath.Join(basePath, rosterPath)
		}
		roster, err = agentry.LoadRoster(rosterPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load roster: %v\n", err)
		}
	}

	disp := dispatcher.New(s, cfg.MaxConcurrentTasksPerAgent)
	life := lifecycle.New(s)
	deps := dependency.New(s)
	agents := agentry.New(s, roster)
	limiter := ratelimit.New(ratelimit.Config{
		Window: cfg.RateLimitWindow(),
		Max:    cfg.RateLimitMax,
	})
	var eventStore eventbus.EventStore
	sqliteEvents, err := eventbus.NewSQLiteStore(s.DB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to open durable event store, falling back to in-memory delivery only: %v\n", err)
	} else {
		eventStore = sqliteEvents
	}
	bus := eventbus.NewBus(eventStore)

	svc := coordinator.New(s, disp, life, deps, agents, limiter, bus, nil)

	router := alerting.NewRouter(buildNotifiers(cfg))
	alertMgr := alerting.NewManager(alerting.Config{
		Thresholds:  alerting.Thresholds{PendingBacklogMax: cfg.PendingBacklogAlertMax},
		DedupWindow: cfg.AlertDedupWindow(),
	}, router)

	var embeddedNATS *natsmirror.EmbeddedServer
	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		srv, err := natsmirror.NewEmbeddedServer(natsmirror.EmbeddedServerConfig{
			Port:          cfg.NATS.EmbeddedPort,
			WebSocketPort: cfg.NATS.WebSocketPort,
			JetStream:     cfg.NATS.JetStream,
			DataDir:       cfg.NATS.DataDir,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to build embedded NATS server: %v\n", err)
		} else if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to start embedded NATS server: %v\n", err)
		} else {
			embeddedNATS = srv
			natsURL = srv.URL()
		}
	}
	if embeddedNATS != nil {
		defer embeddedNATS.Shutdown()
	}

	if natsURL != "" {
		client, err := natsmirror.NewClient(natsURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to connect to NATS: %v\n", err)
		} else {
			defer client.Close()
			mirror := natsmirror.NewBridge(client)
			bridgeNATS(bus, mirror)
		}
	}

	loops := control.New(s, disp, control.Config{
		HeartbeatInterval:     cfg.HeartbeatSweepInterval(),
		HeartbeatCutoff:       cfg.HeartbeatOfflineThreshold(),
		StuckSweepInterval:    cfg.StuckSweepInterval(),
		DefaultTimeout:        cfg.DefaultTaskTimeout(),
		IdempotencyGCInterval: cfg.StuckSweepInterval(),
		IdempotencyTTL:        cfg.IdempotencyTTL(),
	}, alertMgr, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loops.Run(ctx)

	srv := api.NewServer(svc, bus, api.Options{CORSOrigins: cfg.CORSOrigins})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe(cfg.Listen)
	}()

	ready := false
	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		select {
		case err := <-serverErr:
			return fmt.Errorf("server failed to start: %w", err)
		default:
		}
		if instance.HealthCheck(port) == nil {
			ready = true
			break
		}
	}
	if !ready {
		return fmt.Errorf("server failed to become ready within timeout")
	}

	if err := instanceMgr.WritePIDFile(os.Getpid(), port, basePath); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to write PID file: %v\n", err)
	}

	fmt.Printf("taskcoordd listening on %s (pid %d)\n", cfg.Listen, os.Getpid())

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		}
	case <-shutdown:
		fmt.Println("shutting down (signal received)...")
	case <-srv.ShutdownChan:
		fmt.Println("shutting down (API request)...")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	instanceMgr.RemovePIDFile()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
	}

	fmt.Println("goodbye")
	return nil
}

// bridgeNATS mirrors every published event onto NATS subjects for
// external subscribers (dashboards, other services), never reading it
// back as a source of truth.
func bridgeNATS(bus *eventbus.Bus, bridge *natsmirror.Bridge) {
	ch := bus.Subscribe("all", nil)
	go func() {
		for evt := range ch {
			bridge.MirrorEvent(evt)
		}
	}()
}

func buildNotifiers(cfg *config.Config) []alerting.NotificationChannel {
	var channels []alerting.NotificationChannel
	if cfg.Notifications.Slack.Enabled {
		channels = append(channels, external.NewSlackNotifier(external.SlackConfig{
			WebhookURL:  cfg.Notifications.Slack.WebhookURL,
			Channel:     cfg.Notifications.Slack.Channel,
			Username:    cfg.Notifications.Slack.Username,
			IconEmoji:   cfg.Notifications.Slack.IconEmoji,
			EventTypes:  config.ParseEventTypes(cfg.Notifications.Slack.EventTypes),
			MinPriority: cfg.Notifications.Slack.MinPriority,
		}))
	}
	if cfg.Notifications.Discord.Enabled {
		channels = append(channels, external.NewDiscordNotifier(external.DiscordConfig{
			WebhookURL:  cfg.Notifications.Discord.WebhookURL,
			Username:    cfg.Notifications.Discord.Username,
			AvatarURL:   cfg.Notifications.Discord.AvatarURL,
			EventTypes:  config.ParseEventTypes(cfg.Notifications.Discord.EventTypes),
			MinPriority: cfg.Notifications.Discord.MinPriority,
		}))
	}
	if cfg.Notifications.Email.Enabled {
		channels = append(channels, external.NewEmailNotifier(external.EmailConfig{
			SMTPHost:    cfg.Notifications.Email.SMTPHost,
			SMTPPort:    cfg.Notifications.Email.SMTPPort,
			Username:    cfg.Notifications.Email.Username,
			Password:    cfg.Notifications.Email.Password,
			From:        cfg.Notifications.Email.From,
			To:          cfg.Notifications.Email.To,
			EventTypes:  config.ParseEventTypes(cfg.Notifications.Email.EventTypes),
			MinPriority: cfg.Notifications.Email.MinPriority,
		}))
	}
	return channels
}

func showInstanceStatus(pidFilePath string) {
	mgr := instance.NewManager(pidFilePath, "", 0)
	info, err := mgr.CheckExistingInstance()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if info == nil {
		fmt.Println("no taskcoordd instance is currently running")
		return
	}
	fmt.Printf("taskcoordd: RUNNING\n")
	fmt.Printf("  pid:     %d\n", info.PID)
	fmt.Printf("  port:    %d\n", info.Port)
	fmt.Printf("  started: %s (%s ago)\n", info.StartTime.Format(time.RFC3339), time.Since(info.StartTime).Round(time.Second))
	if info.IsResponding {
		fmt.Println("  health:  OK")
	} else {
		fmt.Println("  health:  DEGRADED (not responding)")
	}
}

func stopInstance(pidFilePath string, force bool) {
	mgr := instance.NewManager(pidFilePath, "", 0)
	info, err := mgr.CheckExistingInstance()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if info == nil {
		fmt.Println("no taskcoordd instance is currently running")
		return
	}
	if force {
		if err := instance.KillProcess(info.PID); err != nil {
			fmt.Fprintf(os.Stderr, "failed to kill process: %v\n", err)
			os.Exit(1)
		}
		time.Sleep(1 * time.Second)
		mgr.RemovePIDFile()
		fmt.Println("instance terminated")
		return
	}
	if err := instance.SendShutdownRequest(info.Port); err != nil {
		fmt.Fprintf(os.Stderr, "failed to send shutdown request: %v\n", err)
		os.Exit(1)
	}
	if instance.WaitForPortToBeAvailable(info.Port, 5*time.Second) {
		fmt.Println("instance stopped successfully")
	} else {
		fmt.Println("warning: instance may still be running; try -force-stop")
	}
}

func getBasePath() string {
	exe, err := os.Executable()
	if err != nil {
		wd, _ := os.Getwd()
		return wd
	}
	dir := filepath.Dir(exe)
	if filepath.Base(dir) == "bin" {
		return filepath.Dir(dir)
	}
	return dir
}

func parseListenAddr(addr string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, p, nil
}
