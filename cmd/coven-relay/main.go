// ABOUTME: Entry point for coven-relay, the supervised multi-agent message relay
// ABOUTME: Runs the relay tree and offers send, inbox, history, purge and health commands

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/container"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/status"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/storeconn"
	"github.com/2389/coven-relay/internal/supervise"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                                 _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

func usage() {
	fmt.Println("Usage: coven-relay <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run [--agents a,b]           Start the relay and its agents")
	fmt.Println("  send --from A --to B --text  Send one message")
	fmt.Println("  inbox --agent NAME           List messages addressed to an agent")
	fmt.Println("  history --agent NAME         List archived messages for an agent")
	fmt.Println("  purge [--to NAME] [--agents] Delete messages, optionally agents too")
	fmt.Println("  health                       Check the status server")
	fmt.Println()
	fmt.Println("Every command accepts --config PATH (default: $COVEN_RELAY_CONFIG).")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "run":
		err = runRelay(ctx, args)
	case "send":
		err = runSend(ctx, args)
	case "inbox":
		err = runInbox(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "purge":
		err = runPurge(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, supervise.ErrShutdownTimeout) {
			color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, "Forced shutdown: subsystems did not stop in time")
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	path := fs.String("config", os.Getenv("COVEN_RELAY_CONFIG"), "path to config file")
	return fs, path
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func storeOptions(cfg *config.Config) store.Options {
	return store.Options{
		Driver:    cfg.Store.Driver,
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		Namespace: cfg.Store.Namespace,
		Database:  cfg.Store.Database,
		Username:  cfg.Store.Username,
		Password:  cfg.Store.Password,
	}
}

// storeEndpoint describes the store for logs without leaking credentials.
func storeEndpoint(cfg *config.Config) string {
	if cfg.Store.Driver == config.DriverSQLite {
		return "sqlite:" + cfg.Store.Path
	}
	return fmt.Sprintf("%s (namespace %s)", cfg.Store.Driver, cfg.Store.Namespace)
}

func newManager(cfg *config.Config, logger *slog.Logger) *storeconn.Manager {
	opts := storeOptions(cfg)
	mopts := []storeconn.Option{
		storeconn.WithEndpoint(storeEndpoint(cfg)),
		storeconn.WithDrain(cfg.Shutdown.StoreDrain),
		storeconn.WithLogger(logger),
	}

	if cfg.UseLocalStore() {
		docker := container.NewDocker(
			container.WithProbe(func(ctx context.Context) error { return store.Probe(ctx, opts) }),
			container.WithHealthPolicy(cfg.Local.HealthAttempts, container.DefaultHealthInterval),
			container.WithLogger(logger),
		)
		containerPort := 6379
		if cfg.Store.Driver == config.DriverPostgres {
			containerPort = 5432
		}
		mopts = append(mopts, storeconn.WithLocalStore(&storeconn.LocalStore{
			Launcher: docker,
			Spec: container.Spec{
				Image:         cfg.LocalImage(),
				Name:          cfg.Local.ContainerName,
				HostPort:      cfg.Local.Port,
				ContainerPort: containerPort,
				Platform:      cfg.Local.Platform,
				Env:           cfg.Local.Env,
			},
			HealthTimeout: cfg.Local.HealthTimeout,
		}))
	}

	return storeconn.New(func(ctx context.Context) (store.Store, error) {
		return store.Open(ctx, opts)
	}, mopts...)
}

func runRelay(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("run")
	agents := fs.String("agents", "", "comma separated agent names (overrides config)")
	_ = fs.Parse(args)

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *agents != "" {
		cfg.Agents.Names = config.SplitNames(*agents)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Environment: %s\n", cfg.Environment)
	green.Print("    ▶ ")
	fmt.Printf("Store:       %s", storeEndpoint(cfg))
	if cfg.UseLocalStore() {
		yellow.Printf(" [local %s]", cfg.LocalImage())
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Agents:      %s\n", strings.Join(cfg.Agents.Names, ", "))
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:        %s\n", cfg.Server.HTTPAddr)
	}
	fmt.Println()

	logger.Info("starting coven-relay",
		"environment", cfg.Environment,
		"driver", cfg.Store.Driver,
		"agents", cfg.Agents.Names,
	)

	mgr := newManager(cfg, logger)
	root := relay.NewRoot(ctx, mgr, relay.RootOptions{
		Agents:           cfg.Agents.Names,
		ReadinessTimeout: cfg.Agents.ReadinessTimeout,
		GracePeriod:      cfg.Agents.GracePeriod,
		ShutdownTimeout:  cfg.Shutdown.Timeout,
		Listener: relay.ListenerOptions{
			History:   cfg.Agents.History,
			DedupeTTL: cfg.Agents.DedupeTTL,
		},
		Logger: logger,
		StopHook: func(path string, at time.Time) {
			logger.Debug("subsystem stopped", "path", path, "at", at.Format(time.RFC3339Nano))
		},
	})

	if cfg.Server.HTTPAddr != "" {
		srv := status.New(cfg.Server.HTTPAddr, root, logger)
		root.Start("status", srv.Run)
	}

	go func() {
		if err := root.WaitReady(ctx); err == nil {
			logger.Info("relay ready", "agents", root.Registry().Len())
		}
	}()

	if err := root.Wait(); err != nil {
		return err
	}
	logger.Info("coven-relay stopped")
	return nil
}

// withStore opens the configured store for a one-shot command. The store
// must already be running.
func withStore(ctx context.Context, configPath string, fn func(store.Store) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(setupLogger(config.LoggingConfig{Level: "warn", Format: cfg.Logging.Format}))

	st, err := store.Open(ctx, storeOptions(cfg))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	return fn(st)
}

func runSend(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("send")
	from := fs.String("from", "", "sending agent")
	to := fs.String("to", "", "receiving agent")
	text := fs.String("text", "", "text content")
	image := fs.String("image", "", "image URL")
	caption := fs.String("caption", "", "image caption")
	video := fs.String("video", "", "video URL")
	duration := fs.Uint("duration", 0, "video duration in seconds")
	_ = fs.Parse(args)

	if *from == "" || *to == "" {
		return errors.New("--from and --to are required")
	}

	payload, err := buildPayload(*text, *image, *caption, *video, *duration)
	if err != nil {
		return err
	}

	return withStore(ctx, *configPath, func(st store.Store) error {
		sender, err := st.UpsertAgent(ctx, *from)
		if err != nil {
			return fmt.Errorf("ensuring sender: %w", err)
		}
		msg, err := relay.NewRelay(st, nil).Send(ctx, sender, *to, payload)
		if err != nil {
			return err
		}
		color.Green("sent %s", msg.ID)
		return nil
	})
}

// buildPayload picks the payload variant from the send flags.
func buildPayload(text, image, caption, video string, duration uint) (store.Payload, error) {
	switch {
	case text != "":
		return store.TextPayload{Content: text}, nil
	case image != "":
		p := store.ImagePayload{URL: image}
		if caption != "" {
			p.Caption = &caption
		}
		return p, nil
	case video != "":
		if uint64(duration) > math.MaxUint32 {
			return nil, fmt.Errorf("--duration %d exceeds %d seconds", duration, uint64(math.MaxUint32))
		}
		return store.VideoPayload{URL: video, DurationSeconds: uint32(duration)}, nil
	default:
		return nil, errors.New("one of --text, --image or --video is required")
	}
}

func runInbox(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("inbox")
	agent := fs.String("agent", "", "receiving agent")
	from := fs.String("from", "", "only messages from this agent")
	limit := fs.Int("limit", 0, "maximum messages to list")
	_ = fs.Parse(args)

	if *agent == "" {
		return errors.New("--agent is required")
	}

	return withStore(ctx, *configPath, func(st store.Store) error {
		msgs, err := st.ListMessages(ctx, store.MessageFilter{From: *from, To: *agent, Limit: *limit})
		if err != nil {
			return fmt.Errorf("listing messages: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("no messages")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	})
}

func runHistory(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("history")
	agent := fs.String("agent", "", "agent (all agents when empty)")
	limit := fs.Int("limit", 0, "maximum entries to list")
	_ = fs.Parse(args)

	return withStore(ctx, *configPath, func(st store.Store) error {
		entries, err := st.ListHistory(ctx, *agent, *limit)
		if err != nil {
			return fmt.Errorf("listing history: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("no history")
			return nil
		}
		for _, h := range entries {
			color.New(color.FgHiBlack).Printf("%s ", h.ID)
			printMessage(&h.Message)
		}
		return nil
	})
}

func runPurge(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("purge")
	from := fs.String("from", "", "only messages from this agent")
	to := fs.String("to", "", "only messages to this agent")
	limit := fs.Int("limit", 0, "maximum messages to delete")
	withAgents := fs.Bool("agents", false, "also delete every agent record")
	_ = fs.Parse(args)

	return withStore(ctx, *configPath, func(st store.Store) error {
		n, err := st.DeleteMessages(ctx, store.MessageFilter{From: *from, To: *to, Limit: *limit})
		if err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		fmt.Printf("deleted %d messages\n", n)

		if !*withAgents {
			return nil
		}
		agents, err := st.ListAgents(ctx)
		if err != nil {
			return fmt.Errorf("listing agents: %w", err)
		}
		for _, a := range agents {
			if err := st.DeleteAgent(ctx, a.ID); err != nil {
				return fmt.Errorf("deleting agent %s: %w", a.ID, err)
			}
		}
		fmt.Printf("deleted %d agents\n", len(agents))
		return nil
	})
}

func runHealth(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("health")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is not configured")
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}
	fmt.Println("ready")
	return nil
}

func printMessage(m *store.Message) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	gray.Printf("%s ", m.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	cyan.Printf("%s -> %s ", m.From, m.To)

	switch p := m.Payload.(type) {
	case store.TextPayload:
		fmt.Println(p.Content)
	case store.ImagePayload:
		if p.Caption != nil {
			fmt.Printf("[image] %s (%s)\n", p.URL, *p.Caption)
		} else {
			fmt.Printf("[image] %s\n", p.URL)
		}
	case store.VideoPayload:
		fmt.Printf("[video] %s (%ds)\n", p.URL, p.DurationSeconds)
	default:
		fmt.Println("[unknown payload]")
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output. Handlers derived through
// WithAttrs and WithGroup share one write lock.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
