package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/sessiond/internal/audit"
	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/cron"
	"github.com/basket/sessiond/internal/engine"
	"github.com/basket/sessiond/internal/hooks"
	"github.com/basket/sessiond/internal/live"
	"github.com/basket/sessiond/internal/notify"
	otelPkg "github.com/basket/sessiond/internal/otel"
	"github.com/basket/sessiond/internal/permission"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/queue"
	"github.com/basket/sessiond/internal/runtime"
	"github.com/basket/sessiond/internal/telemetry"
	"github.com/basket/sessiond/internal/workdir"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVE (default):
  %s                          Run the session daemon in the foreground
                              Logs are text on a terminal, JSON otherwise

SUBCOMMANDS:
  %s submit -input <text>     Enqueue a background task and print its execution id
                              Flags: -mode, -model, -session, -vars, -max-attempts
  %s attach <session-id>      Stream a session's turn events in the terminal
  %s status                   Show daemon health (/healthz and /statusz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SESSIOND_HOME           Data directory (default: ~/.sessiond)
  SESSIOND_AUTH_TOKEN     Bearer token for /ws and /statusz (default: <home>/auth.token)
  GEMINI_API_KEY          API key for the default runtime provider

EXAMPLES:
  Run the daemon:         %s
  Submit a task:          %s submit -input "summarize the error log"
  Watch a session:        %s attach 7c9e5f0a-...
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	textLogs := isatty.IsTerminal(os.Stdout.Fd())
	jsonLogs := flag.Bool("json-logs", false, "force JSON logs on stdout even on a terminal")
	flag.Usage = printUsage
	flag.Parse()
	if *jsonLogs || os.Getenv("SESSIOND_JSON_LOGS") != "" {
		textLogs = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "submit":
			os.Exit(runSubmitCommand(ctx, args[1:]))
		case "attach":
			os.Exit(runAttachCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "serve":
			if len(args) > 1 {
				fmt.Fprintln(os.Stderr, "usage: sessiond serve")
				os.Exit(2)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runServe(ctx, stop, textLogs)
}

func runServe(ctx context.Context, stop context.CancelFunc, textLogs bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, "E_AUDIT_OPEN", err)
	}
	defer auditLog.Close()

	var logger *slog.Logger
	var logCloser io.Closer
	if textLogs {
		logger, logCloser, err = telemetry.NewTextLogger(cfg.HomeDir, cfg.LogLevel)
	} else {
		logger, logCloser, err = telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	}
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("sessiond starting", "version", Version, "home", cfg.HomeDir, "first_run", cfg.FirstRun)

	if host, _, splitErr := net.SplitHostPort(cfg.BindAddr); splitErr == nil {
		ip := net.ParseIP(host)
		loopback := host == "localhost" || (ip != nil && ip.IsLoopback())
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("bind_addr is not loopback and allow_origins is empty; browser clients will be rejected",
				"bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	exporter := "otlp-http"
	if cfg.Telemetry.Stdout {
		exporter = "stdout"
	}
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "sessiond",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(flushCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	logger.Info("startup phase", "phase", "telemetry_ready", "otel_enabled", cfg.Telemetry.Enabled)

	store, err := persistence.Open(cfg.DBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_DB_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.DBPath())

	requeued, err := store.RequeueExpiredLeases(ctx)
	if err != nil {
		fatalStartup(logger, "E_LEASE_REQUEUE", err)
	}
	if requeued > 0 {
		logger.Info("requeued executions from expired leases", "count", requeued)
	}

	ruleSet, err := permission.Compile(cfg.Permissions)
	if err != nil {
		fatalStartup(logger, "E_PERMISSIONS_COMPILE", err)
	}
	liveRules := permission.NewLiveRules(ruleSet)
	evaluator := permission.NewEvaluator(liveRules, store, auditLog, eventBus, logger)

	dispatcher := hooks.NewDispatcher(store, eventBus, logger)
	if err := dispatcher.RegisterConfigured(cfg.Hooks); err != nil {
		fatalStartup(logger, "E_HOOKS_REGISTER", err)
	}

	workdirs, err := workdir.NewManager(cfg.WorkdirRoot(), cfg.WorkdirArchiveDir(), logger)
	if err != nil {
		fatalStartup(logger, "E_WORKDIR_INIT", err)
	}

	factory, err := runtimeFactory(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_RUNTIME_INIT", err)
	}
	runtimes := runtime.NewManager(factory, cfg.Runtime.MaxConnections,
		time.Duration(cfg.Runtime.ConnectTimeoutSeconds)*time.Second, logger)

	q := queue.New(store, nil, queue.Config{
		Workers:     cfg.Queue.Workers,
		TaskTimeout: cfg.TaskTimeout(),
		MaxDepth:    cfg.Queue.MaxDepth,
	}, logger)

	var sched *cron.Scheduler
	if cfg.Scheduler.Enabled {
		sched = cron.NewScheduler(cron.Config{
			Store:    store,
			Queue:    q,
			Bus:      eventBus,
			Logger:   logger,
			Interval: time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second,
		})
	}

	eng, err := engine.New(engine.Deps{
		Store:       store,
		Bus:         eventBus,
		Workdirs:    workdirs,
		Runtimes:    runtimes,
		Permissions: evaluator,
		Hooks:       dispatcher,
		Queue:       q,
		Scheduler:   sched,
		Tracer:      otelProvider.Tracer,
		Metrics:     metrics,
		Logger:      logger,
		Config:      cfg,
	})
	if err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
	}
	if err := eng.Start(ctx); err != nil {
		fatalStartup(logger, "E_ENGINE_START", err)
	}
	logger.Info("startup phase", "phase", "engine_started",
		"workers", cfg.Queue.Workers, "scheduler", cfg.Scheduler.Enabled, "provider", cfg.Runtime.Provider)

	authToken, err := loadAuthToken(cfg.HomeDir, logger)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	hub := live.New(live.Config{
		Store:        store,
		Bus:          eventBus,
		Queue:        q,
		Runtimes:     runtimes,
		AuthToken:    authToken,
		AllowOrigins: cfg.AllowOrigins,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: hub.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("live hub listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Permission edits in config.yaml go live without a restart. Everything
	// else in the file still needs one.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; permission edits need a restart", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				next, err := config.Load()
				if err != nil {
					logger.Warn("config reload failed; keeping previous rules", "error", err)
					continue
				}
				if err := liveRules.ReloadFromConfig(next.Permissions); err != nil {
					logger.Warn("permission rules rejected; keeping previous rules", "error", err)
					continue
				}
				logger.Info("permission rules reloaded", "version", liveRules.Version())
			}
		}()
	}

	if cfg.Notify.Telegram.Enabled {
		if cfg.Notify.Telegram.Token == "" {
			logger.Warn("telegram notifier enabled but token is missing")
		} else {
			tg := notify.NewTelegram(cfg.Notify.Telegram, eventBus, logger)
			go tg.Run(ctx)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("live hub server error", "error", err)
		stop()
	}

	// Stop intake first, then drain workers. Executions still running after
	// the drain window keep their leases and are requeued on the next start.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(),
		time.Duration(cfg.Queue.DrainTimeoutSeconds)*time.Second+5*time.Second)
	defer cancelDrain()
	eng.Shutdown(drainCtx)
	logger.Info("shutdown complete")
}

// runtimeFactory picks the client constructor for the configured provider.
// Each session gets its own client; a session's model override applies on
// top of the configured runtime settings.
func runtimeFactory(cfg config.Config, logger *slog.Logger) (runtime.Factory, error) {
	switch cfg.Runtime.Provider {
	case "sim":
		return func(ctx context.Context, sess *persistence.Session) (runtime.Client, error) {
			return runtime.NewSimClient(), nil
		}, nil
	case "genkit", "":
		return func(ctx context.Context, sess *persistence.Session) (runtime.Client, error) {
			rc := cfg.Runtime
			if sess.Model != "" {
				rc.Model = sess.Model
			}
			return runtime.NewGenkitClient(ctx, rc, logger)
		}, nil
	default:
		return nil, fmt.Errorf("unknown runtime provider %q (supported: genkit, sim)", cfg.Runtime.Provider)
	}
}

// loadAuthToken resolves the bearer token protecting /ws and /statusz:
// SESSIOND_AUTH_TOKEN env, then <home>/auth.token, else a fresh token is
// generated and persisted so restarts keep honoring issued credentials.
func loadAuthToken(homeDir string, logger *slog.Logger) (string, error) {
	if tok := strings.TrimSpace(os.Getenv("SESSIOND_AUTH_TOKEN")); tok != "" {
		return tok, nil
	}
	path := filepath.Join(homeDir, "auth.token")
	if data, err := os.ReadFile(path); err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	}
	tok := uuid.NewString()
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if logger != nil {
		logger.Info("auth token generated", "path", path)
	}
	return tok, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"sessiond","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
