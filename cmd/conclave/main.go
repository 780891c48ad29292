// ABOUTME: Entry point for the conclave orchestration server and its CLI
// ABOUTME: Serves the gateway and talks to a running one over HTTP

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/tidwall/gjson"

	"github.com/2389/conclave/internal/config"
	"github.com/2389/conclave/internal/gateway"
)

// Version is set with -ldflags at build time.
var version = "dev"

const banner = `
                        _
  ___ ___  _ __   ___ | | __ ___   _____
 / __/ _ \| '_ \ / __|| |/ _' \ \ / / _ \
| (_| (_) | | | | (__ | | (_| |\ V /  __/
 \___\___/|_| |_|\___||_|\__,_| \_/ \___|
`

// getConfigPath returns the path to the config file.
// Priority: CONCLAVE_CONFIG env var > XDG_CONFIG_HOME/conclave/config.yaml > ~/.config/conclave/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONCLAVE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "conclave", "config.yaml")
}

// getDataPath returns the path to the conclave data directory.
// Priority: XDG_DATA_HOME/conclave > ~/.local/share/conclave
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "conclave")
}

// loadConfig loads the config file, falling back to defaults when none exists.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading config: %w", err)
	}
	return cfg, true, nil
}

// baseURL returns the HTTP address of a running server.
// CONCLAVE_URL overrides the configured address.
func baseURL() (string, error) {
	if u := os.Getenv("CONCLAVE_URL"); u != "" {
		return strings.TrimSuffix(u, "/"), nil
	}
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return "", err
	}
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname, nil
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

func usage() {
	fmt.Println("Usage: conclave <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the server")
	fmt.Println("  init                                Create a new config file interactively")
	fmt.Println("  health                              Check server health and readiness")
	fmt.Println("  providers                           Show provider circuit state")
	fmt.Println("  submit [--wait] <type> <description> Submit a task")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "providers":
		err = runProviders(ctx)
	case "submit":
		err = runSubmit(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, found, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s", configPath)
	if !found {
		yellow.Print(" (not found, using defaults)")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	if cfg.Database.InMemory() {
		fmt.Println("Database:  in memory")
	} else {
		fmt.Printf("Database:  %s\n", cfg.Database.Path)
	}

	green.Print("    ▶ ")
	fmt.Printf("Providers: ")
	if len(cfg.Providers) == 0 {
		yellow.Print("none (fallback only)")
	}
	for i, p := range cfg.Providers {
		if i > 0 {
			fmt.Print(", ")
		}
		cyan.Print(p.Name)
		gray.Printf(" [%s]", p.Kind)
	}
	fmt.Println()

	if cfg.Events.Enabled() {
		green.Print("    ▶ ")
		if cfg.Events.NATSURL != "" {
			fmt.Printf("NATS:      %s\n", cfg.Events.NATSURL)
		} else {
			fmt.Println("NATS:      embedded")
		}
	}

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting conclave",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"providers", len(cfg.Providers),
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
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
			out:   os.Stdout,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with serialized writes.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
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

	// Handler-level attrs first (from WithAttrs)
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

	// Derived handlers share the root's mutex so lines never interleave.
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
		out:    h.out,
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
		out:    h.out,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// get performs a GET against the running server and returns the body.
func get(ctx context.Context, path string) (int, []byte, error) {
	base, err := baseURL()
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	status, _, err := get(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}
	fmt.Println("healthy")

	status, body, err := get(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	fmt.Println(strings.TrimSpace(string(body)))
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d", status)
	}
	return nil
}

func runProviders(ctx context.Context) error {
	status, body, err := get(ctx, "/providers/health")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var providers []gateway.ProviderHealthResponse
	if err := json.Unmarshal(body, &providers); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if len(providers) == 0 {
		fmt.Println("no providers configured (fallback only)")
		return nil
	}

	for _, p := range providers {
		state := p.State
		switch state {
		case "CLOSED":
			state = color.GreenString(state)
		case "HALF_OPEN":
			state = color.YellowString(state)
		case "OPEN":
			state = color.RedString(state)
		}
		fmt.Printf("%-20s %-10s %-20s score=%.2f samples=%d failures=%d latency=%dms",
			p.Name, p.Kind, state, p.Score, p.Samples, p.Failures, p.MeanLatencyMS)
		if p.CooldownSeconds > 0 {
			fmt.Printf(" retry_in=%.0fs", p.CooldownSeconds)
		}
		fmt.Println()
	}
	return nil
}

func runSubmit(ctx context.Context, args []string) error {
	wait := false
	var rest []string
	for _, a := range args {
		if a == "--wait" || a == "-w" {
			wait = true
			continue
		}
		rest = append(rest, a)
	}
	if len(rest) < 2 {
		return errors.New("usage: conclave submit [--wait] <type> <description>")
	}

	base, err := baseURL()
	if err != nil {
		return err
	}

	body, err := json.Marshal(gateway.SubmitTaskRequest{
		TaskType:    rest[0],
		Description: strings.Join(rest[1:], " "),
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tasks", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var e map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("rejected (%d): %s", resp.StatusCode, e["error"])
	}

	var out gateway.SubmitTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Println(out.TaskID)

	if !wait {
		return nil
	}
	return followTask(ctx, base, out.TaskID)
}

// followTask prints the task's events until it finishes, then its report.
func followTask(ctx context.Context, base, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/tasks/"+id+"/events", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("streaming events: %w", err)
	}
	defer resp.Body.Close()

	gray := color.New(color.FgHiBlack)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			event = name
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && event != "" {
			gray.Printf("%s ", time.Now().Format("15:04:05"))
			fmt.Println(describeEvent(event, data))
			event = ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading events: %w", err)
	}

	status, report, err := get(ctx, "/tasks/"+id+"/report")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("fetching report: status %d", status)
	}
	fmt.Println()
	fmt.Print(string(report))
	return nil
}

// describeEvent renders one SSE event as a single line with its key fields.
func describeEvent(event, data string) string {
	var b strings.Builder
	b.WriteString(event)
	d := gjson.Get(data, "data")
	switch event {
	case "phase.completed":
		fmt.Fprintf(&b, " phase=%s provider=%s confidence=%.2f",
			d.Get("phase").String(), d.Get("provider").String(), d.Get("confidence").Float())
		if d.Get("fallback").Bool() {
			b.WriteString(" (fallback)")
		}
	case "task.completed":
		fmt.Fprintf(&b, " confidence=%.2f agreement=%.2f consensus=%t",
			d.Get("confidence").Float(), d.Get("agreement_level").Float(), d.Get("consensus_reached").Bool())
	case "task.failed":
		fmt.Fprintf(&b, " error=%q", d.Get("error").String())
	default:
		if p := gjson.Get(data, "provider").String(); p != "" {
			b.WriteString(" provider=" + p)
		}
	}
	return b.String()
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("conclave configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "conclave.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path (:memory: for none)", defaultDbPath)

	fmt.Println("\n--- Providers ---")
	var providers []config.ProviderConfig
	if yes(prompt(reader, "Add an Anthropic provider?", "yes")) {
		providers = append(providers, config.ProviderConfig{
			Name:      "claude",
			Kind:      "anthropic",
			APIKeyEnv: prompt(reader, "  API key environment variable", "ANTHROPIC_API_KEY"),
			Model:     prompt(reader, "  Model (empty for default)", ""),
		})
	}
	if yes(prompt(reader, "Add an OpenAI-compatible provider?", "no")) {
		providers = append(providers, config.ProviderConfig{
			Name:      prompt(reader, "  Name", "openai"),
			Kind:      "openai",
			Endpoint:  prompt(reader, "  Endpoint", "https://api.openai.com"),
			APIKeyEnv: prompt(reader, "  API key environment variable", "OPENAI_API_KEY"),
			Model:     prompt(reader, "  Model (empty for default)", ""),
		})
	}
	if yes(prompt(reader, "Add a Gemini provider?", "no")) {
		providers = append(providers, config.ProviderConfig{
			Name:      "gemini",
			Kind:      "gemini",
			APIKeyEnv: prompt(reader, "  API key environment variable", "GEMINI_API_KEY"),
			Model:     prompt(reader, "  Model (empty for default)", ""),
		})
	}
	if len(providers) == 0 && yes(prompt(reader, "No providers chosen. Add the offline static provider?", "yes")) {
		providers = append(providers, config.ProviderConfig{Name: "static", Kind: "static"})
	}

	fmt.Println("\n--- Events ---")
	natsURL := prompt(reader, "NATS URL for event export (empty to skip)", "")
	embedded := false
	if natsURL == "" {
		embedded = yes(prompt(reader, "Run an embedded NATS server?", "no"))
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "conclave")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# conclave configuration\n")
	cfg.WriteString("# Generated by conclave init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if grpcAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("providers:\n")
	if len(providers) == 0 {
		cfg.WriteString("  []\n")
	}
	for _, p := range providers {
		fmt.Fprintf(&cfg, "  - name: %q\n", p.Name)
		fmt.Fprintf(&cfg, "    kind: %q\n", p.Kind)
		if p.Endpoint != "" {
			fmt.Fprintf(&cfg, "    endpoint: %q\n", p.Endpoint)
		}
		if p.APIKeyEnv != "" {
			fmt.Fprintf(&cfg, "    api_key_env: %q\n", p.APIKeyEnv)
		}
		if p.Model != "" {
			fmt.Fprintf(&cfg, "    model: %q\n", p.Model)
		}
		fmt.Fprintf(&cfg, "    capabilities: [%s]\n", strings.Join(config.AllCapabilities(), ", "))
	}
	cfg.WriteString("\n")

	if natsURL != "" || embedded {
		cfg.WriteString("events:\n")
		if natsURL != "" {
			fmt.Fprintf(&cfg, "  nats_url: %q\n", natsURL)
		}
		if embedded {
			cfg.WriteString("  embedded_nats: true\n")
		}
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	// Refuse to write something serve would reject.
	if _, err := config.Parse([]byte(cfg.String()), config.FormatYAML); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != ":memory:" && dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  conclave serve\n")

	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
