package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	colorful "github.com/lucasb-eyer/go-colorful"
	"golang.org/x/term"

	"github.com/pgpooler/pgpooler/pkg/admin"
	"github.com/pgpooler/pgpooler/pkg/config"
	"github.com/pgpooler/pgpooler/pkg/dispatcher"
	"github.com/pgpooler/pgpooler/pkg/observability"
	"github.com/pgpooler/pgpooler/pkg/pool"
	"github.com/pgpooler/pgpooler/pkg/proxy"
	"github.com/pgpooler/pgpooler/pkg/router"
	"github.com/pgpooler/pgpooler/pkg/session"
)

//go:embed README.md
var readmeMarkdown string

var bannerLines = []string{
	`            ____             __          `,
	`  ____  ____/ __ \____  ____ / /__  _____ `,
	` / __ \/ __/ /_/ / __ \/ __ \/ / _ \/ ___/ `,
	`/ /_/ / /_/ ____/ /_/ / /_/ / /  __/ /     `,
	`\ .___/\__/_/    \____/\____/_/\___/_/      `,
	`/_/                                         `,
}

func printBanner() {
	teal, _ := colorful.Hex("#00CED1")
	purple, _ := colorful.Hex("#9B30FF")
	bgColor := lipgloss.Color("#1a1a2e")

	maxWidth := len(bannerLines[0])

	var lines []string
	for _, line := range bannerLines {
		var result strings.Builder
		for i, r := range line {
			t := float64(i) / float64(maxWidth-1)
			c := teal.BlendLuv(purple, t)
			style := lipgloss.NewStyle().
				Foreground(lipgloss.Color(c.Hex())).
				Background(bgColor).
				Bold(true)
			result.WriteString(style.Render(string(r)))
		}
		lines = append(lines, result.String())
	}

	box := lipgloss.NewStyle().
		Background(bgColor).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))

	fmt.Println(box)
	fmt.Println()
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00CED1"))
	descStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	flagStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9B30FF")).Bold(true)
	exampleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
)

func printUsage() {
	fmt.Println(titleStyle.Render("Usage:"))
	fmt.Print("  pgpooler ")
	flag.VisitAll(func(f *flag.Flag) {
		if f.Name == "help" {
			return
		}
		fmt.Printf("%s ", flagStyle.Render("-"+f.Name+" <"+f.Name+">"))
	})
	fmt.Println()
	fmt.Println()

	fmt.Println(titleStyle.Render("Options:"))
	flag.VisitAll(func(f *flag.Flag) {
		typeName := fmt.Sprintf("%T", f.Value)
		typeName = strings.TrimPrefix(typeName, "*flag.")
		typeName = strings.TrimSuffix(typeName, "Value")

		fmt.Printf("  %s %s\n", flagStyle.Render("-"+f.Name), descStyle.Render(typeName))
		fmt.Printf("      %s\n", f.Usage)
	})
	fmt.Println()

	fmt.Println(titleStyle.Render("Example:"))
	fmt.Println(exampleStyle.Render("  pgpooler -config /etc/pgpooler/pgpooler.yaml"))
	fmt.Println()

	fmt.Println(descStyle.Render("Run 'pgpooler -help' for full configuration documentation."))
	fmt.Println()
}

func printFullDocs() {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}

	out, err := renderer.Render(readmeMarkdown)
	if err != nil {
		fmt.Println(readmeMarkdown)
		return
	}

	fmt.Print(out)
}

func main() {
	configPath := flag.String("config", "", "path to pgpooler.yaml config file")
	jsonLogs := flag.Bool("json", false, "output logs in JSON format")
	showHelp := flag.Bool("help", false, "show full documentation")
	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printFullDocs()
		os.Exit(0)
	}

	if *configPath == "" {
		printBanner()
		printUsage()
		os.Exit(1)
	}

	var handler slog.Handler
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	app, err := config.LoadAppConfig(*configPath)
	if err != nil {
		logger.Error("failed to load app config", "error", err)
		os.Exit(1)
	}
	logging, err := config.LoadLoggingConfig(app.LoggingConfigPath)
	if err != nil {
		logger.Error("failed to load logging config", "error", err)
		os.Exit(1)
	}
	logger = rebuildLogger(logging, *jsonLogs)
	slog.SetDefault(logger)

	backends, err := config.LoadBackendsConfig(app.BackendsConfigPath)
	if err != nil {
		logger.Error("failed to load backends config", "error", err)
		os.Exit(1)
	}
	routing, err := config.LoadRoutingConfig(app.RoutingConfigPath)
	if err != nil {
		logger.Error("failed to load routing config", "error", err)
		os.Exit(1)
	}
	tracingCfg, err := config.LoadTracingConfig(app.TracingConfigPath)
	if err != nil {
		logger.Error("failed to load tracing config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, err := observability.NewTracerProvider(ctx, tracingCfg)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer tp.Shutdown(context.Background())
	}
	metrics := observability.DefaultMetrics()

	metricsServer := observability.NewMetricsServer(string(app.AdminListen), logger)

	if len(app.Workers) == 0 {
		if err := runSingleProcess(ctx, app, backends, routing, metrics, tp, metricsServer, logger); err != nil {
			logger.Error("pgpooler exited with error", "error", err)
			os.Exit(1)
		}
		return
	}
	if err := runDispatcherWorkers(ctx, app, backends, routing, metrics, tp, metricsServer, logger); err != nil {
		logger.Error("pgpooler exited with error", "error", err)
		os.Exit(1)
	}
}

// rebuildLogger applies the loaded LoggingConfig's level/format on top of
// whatever handler -json already selected, matching the teacher's
// config-then-flag layering (the config file sets the baseline, the CLI
// flag can still force JSON for one-off debugging).
func rebuildLogger(cfg *config.LoggingConfig, forceJSON bool) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stdout
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if forceJSON || cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// runSingleProcess wires one shared router/capacity/idle-cache/wait-queue
// and a single pkg/proxy.Listener, for deployments with no worker plan.
func runSingleProcess(ctx context.Context, app *config.AppConfig, backends *config.BackendsConfig, routing *config.RoutingConfig, metrics *observability.Metrics, tp *observability.TracerProvider, metricsServer *observability.MetricsServer, logger *slog.Logger) error {
	r, err := router.New(*backends, *routing)
	if err != nil {
		return fmt.Errorf("building router: %w", err)
	}

	capacity := pool.NewCapacityManager()
	resolved := make([]router.ResolvedBackend, 0, len(backends.Backends))
	for _, b := range backends.Backends {
		capacity.SetMax(b.Name, b.PoolSize)
		resolved = append(resolved, router.ResolvedBackend{
			Name: b.Name, Host: b.Host, Port: b.Port, PoolSize: b.PoolSize, PoolMode: b.PoolMode,
			ServerIdleTimeout: b.ServerIdleTimeout, ServerLifetime: b.ServerLifetime,
			QueryWaitTimeout: b.QueryWaitTimeout, DiscardAllOnReuse: b.DiscardAllOnRenew,
		})
	}
	idle := pool.NewIdleCache[*session.BackendConn]()
	waitQ := pool.NewWaitQueue()
	reaper := session.NewReaper(idle, capacity, resolved, 0, logger)

	if metricsServer != nil {
		topo := admin.NewTopologyRenderer(resolved, nil, []*pool.CapacityManager{capacity})
		metricsServer.Handle("/topology", topo.Handler())
		metricsServer.Start()
		defer metricsServer.Shutdown(context.Background())
	}

	l := proxy.New(string(app.Listen), r, capacity, idle, waitQ, reaper, metrics, tp, logger)
	return l.Serve(ctx)
}

// runDispatcherWorkers builds one Dispatcher and len(app.Workers) Workers,
// each connected to the dispatcher over its own Unix socketpair, and runs
// them all until ctx is canceled.
func runDispatcherWorkers(ctx context.Context, app *config.AppConfig, backends *config.BackendsConfig, routing *config.RoutingConfig, metrics *observability.Metrics, tp *observability.TracerProvider, metricsServer *observability.MetricsServer, logger *slog.Logger) error {
	dispatcherSides := make([]*net.UnixConn, len(app.Workers))
	workers := make([]*dispatcher.Worker, len(app.Workers))
	backendToWorker := make(map[string]int)

	for i, w := range app.Workers {
		dSide, wSide, err := dispatcher.NewSocketpair()
		if err != nil {
			return err
		}
		dispatcherSides[i] = dSide

		worker, err := dispatcher.NewWorker(i, wSide, *backends, *routing, w.Backends, metrics, tp, logger)
		if err != nil {
			return fmt.Errorf("building worker %d: %w", i, err)
		}
		workers[i] = worker

		for _, name := range w.Backends {
			backendToWorker[name] = i
		}
	}

	r, err := router.New(*backends, *routing)
	if err != nil {
		return fmt.Errorf("building dispatcher router: %w", err)
	}
	d := dispatcher.New(string(app.Listen), r, backendToWorker, dispatcherSides, logger)

	if metricsServer != nil {
		var owners admin.BackendOwner
		var capacities []*pool.CapacityManager
		for i, w := range app.Workers {
			owners = append(owners, w.Backends)
			capacities = append(capacities, workers[i].Capacity())
		}
		resolved := make([]router.ResolvedBackend, 0, len(backends.Backends))
		for _, b := range backends.Backends {
			resolved = append(resolved, router.ResolvedBackend{
				Name: b.Name, Host: b.Host, Port: b.Port, PoolSize: b.PoolSize, PoolMode: b.PoolMode,
				ServerIdleTimeout: b.ServerIdleTimeout, ServerLifetime: b.ServerLifetime,
				QueryWaitTimeout: b.QueryWaitTimeout, DiscardAllOnReuse: b.DiscardAllOnRenew,
			})
		}
		topo := admin.NewTopologyRenderer(resolved, owners, capacities)
		metricsServer.Handle("/topology", topo.Handler())
		metricsServer.Start()
		defer metricsServer.Shutdown(context.Background())
	}

	errCh := make(chan error, len(workers)+1)
	for _, w := range workers {
		go func(w *dispatcher.Worker) { errCh <- w.Serve(ctx) }(w)
	}
	go func() { errCh <- d.Serve(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
