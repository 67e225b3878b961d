package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aegisops/aegis/internal/alert"
	"github.com/aegisops/aegis/internal/api"
	"github.com/aegisops/aegis/internal/approval"
	"github.com/aegisops/aegis/internal/auth"
	"github.com/aegisops/aegis/internal/config"
	"github.com/aegisops/aegis/internal/executor"
	"github.com/aegisops/aegis/internal/incident"
	"github.com/aegisops/aegis/internal/killswitch"
	"github.com/aegisops/aegis/internal/ledger"
	"github.com/aegisops/aegis/internal/loop"
	"github.com/aegisops/aegis/internal/memory"
	"github.com/aegisops/aegis/internal/outcome"
	"github.com/aegisops/aegis/internal/playbook"
	"github.com/aegisops/aegis/internal/policy"
	"github.com/aegisops/aegis/internal/provider"
	"github.com/aegisops/aegis/internal/reasoning"
	"github.com/aegisops/aegis/internal/registry"
	"github.com/aegisops/aegis/internal/sanitize"
	"github.com/aegisops/aegis/internal/shadow"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Provider keys and webhook URLs commonly live in .env during
	// development; load it before cobra parses anything.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "aegis",
		Short: "Autonomous incident response with policy-gated execution",
		Long: "Aegis — Perceive. Reason. Act. Within policy.\n" +
			"An autonomous operations agent whose every action passes a deterministic\npolicy gate, an approval workflow, and a hash-chained audit ledger.",
	}

	var configFile string
	var port int
	var devMode bool

	// ─── run ───
	var obsTexts []string
	var obsFile string
	var obsSource string
	runCmd := &cobra.Command{
		Use:   "run [incident-id]",
		Short: "Drive one incident through the autonomy loop to a final outcome",
		Long: "Feeds observations to the loop until the incident resolves, escalates,\n" +
			"blocks, or is killed. Exit codes: 0 resolved, 10 escalated, 20 blocked,\n30 killed, 40 internal error.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			incidentID := ""
			if len(args) == 1 {
				incidentID = args[0]
			}
			if incidentID == "" {
				incidentID = "INC-" + ulid.Make().String()
			}
			code, err := runIncident(configFile, incidentID, obsTexts, obsFile, obsSource, devMode)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  ✗ %v\n", err)
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: aegis.yaml)")
	runCmd.Flags().StringArrayVarP(&obsTexts, "observation", "o", nil, "Observation text (repeatable)")
	runCmd.Flags().StringVarP(&obsFile, "file", "f", "", "JSONL file of observations (content/source/metadata per line)")
	runCmd.Flags().StringVar(&obsSource, "source", "cli", "Source label for flag-supplied observations")
	runCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs")

	// ─── serve ───
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the approval console API and event feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, port, devMode)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: aegis.yaml)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Override API port (default: 7447)")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, authentication disabled")

	// ─── approve / deny / approvals ───
	var approver string
	var denyReason string
	approveCmd := &cobra.Command{
		Use:   "approve [request-id]",
		Short: "Approve a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, status, err := apiRequest("POST", port, "/api/approvals/"+args[0]+"/approve",
				map[string]string{"approver": approver})
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("approve failed (HTTP %d): %v", status, result["error"])
			}
			fmt.Printf("  ✓ Approved %s\n", args[0])
			return nil
		},
	}
	approveCmd.Flags().StringVar(&approver, "approver", "console", "Name recorded as the approver")
	approveCmd.Flags().IntVarP(&port, "port", "p", 0, "API port (default: 7447)")

	denyCmd := &cobra.Command{
		Use:   "deny [request-id]",
		Short: "Reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, status, err := apiRequest("POST", port, "/api/approvals/"+args[0]+"/reject",
				map[string]string{"approver": approver, "reason": denyReason})
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("deny failed (HTTP %d): %v", status, result["error"])
			}
			fmt.Printf("  ✓ Rejected %s\n", args[0])
			return nil
		},
	}
	denyCmd.Flags().StringVar(&approver, "approver", "console", "Name recorded as the approver")
	denyCmd.Flags().StringVar(&denyReason, "reason", "", "Rejection reason")
	denyCmd.Flags().IntVarP(&port, "port", "p", 0, "API port (default: 7447)")

	approvalsCmd := &cobra.Command{
		Use:   "approvals",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovals(port)
		},
	}
	approvalsCmd.Flags().IntVarP(&port, "port", "p", 0, "API port (default: 7447)")

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show open incidents, pending approvals, and kill-switch state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 0, "API port (default: 7447)")

	// ─── ledger ───
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Trust ledger commands",
	}
	var ledgerPath string
	ledgerVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the ledger hash chain end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerVerify(configFile, ledgerPath)
		},
	}
	ledgerVerifyCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	ledgerVerifyCmd.Flags().StringVar(&ledgerPath, "path", "", "Ledger file (default: from config)")
	ledgerCmd.AddCommand(ledgerVerifyCmd)

	// ─── distill ───
	var windowDays, minSupport int
	distillCmd := &cobra.Command{
		Use:   "distill",
		Short: "Compress resolved incidents into semantic facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDistill(configFile, windowDays, minSupport)
		},
	}
	distillCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	distillCmd.Flags().IntVar(&windowDays, "window-days", 0, "Override the aggregation window")
	distillCmd.Flags().IntVar(&minSupport, "min-support", 0, "Override the minimum sample count per fact")

	// ─── threatdna ───
	threatdnaCmd := &cobra.Command{
		Use:   "threatdna",
		Short: "Exchange abstracted facts with peer agents",
	}
	threatdnaExportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export sanitizer-clean semantic facts to a threat-DNA envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThreatDNAExport(configFile)
		},
	}
	threatdnaImportCmd := &cobra.Command{
		Use:   "import [envelope.json]",
		Short: "Import peer facts at discounted confidence",
		Long:  "Imports one envelope, or every *.json in the import directory when no path is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runThreatDNAImport(configFile, path)
		},
	}
	threatdnaExportCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	threatdnaImportCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	threatdnaCmd.AddCommand(threatdnaExportCmd, threatdnaImportCmd)

	// ─── playbook ───
	playbookCmd := &cobra.Command{
		Use:   "playbook",
		Short: "Fix playbook commands",
	}
	playbookListCmd := &cobra.Command{
		Use:   "list",
		Short: "Show loaded playbooks with confidence and verification counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlaybookList(configFile)
		},
	}
	playbookValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate every YAML playbook in the playbooks directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlaybookValidate(configFile)
		},
	}
	playbookListCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	playbookValidateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	playbookCmd.AddCommand(playbookListCmd, playbookValidateCmd)

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate starter config and data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Aegis %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(runCmd, serveCmd, approveCmd, denyCmd, approvalsCmd, statusCmd,
		ledgerCmd, distillCmd, threatdnaCmd, playbookCmd, initCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime bundles everything a live loop needs so run and serve share
// one wiring path.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	kill     *killswitch.Switch
	led      *ledger.Ledger
	audit    *ledger.AuditStore
	alerts   *alert.Manager
	gate     *approval.Gate
	registry *registry.Registry
	engine   *policy.Engine
	exec     *executor.Executor
	episodic *memory.EpisodicStore
	semantic *memory.SemanticStore
	economic *memory.EconomicMemory
	manager  *loop.Manager
}

// close releases resources in reverse construction order. Nil-safe so
// it can run after a partial build.
func (rt *runtime) close() {
	if rt.manager != nil {
		rt.manager.Close()
	}
	if rt.gate != nil {
		_ = rt.gate.Close()
	}
	if rt.audit != nil {
		_ = rt.audit.Close()
	}
	if rt.led != nil {
		_ = rt.led.Close()
	}
}

// buildRuntime wires the full stack: kill switch, ledgers, gate, policy
// engine, memory stores, providers, and the incident manager. hub may
// be nil when no event feed is wanted.
func buildRuntime(cfg *config.Config, logger *slog.Logger, hub *api.WebSocketHub) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	rt.kill = killswitch.New(filepath.Join(cfg.DataDir, "KILL"), logger)

	rt.led, err = ledger.Open(cfg.Ledger.JSONLPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	rt.audit, err = ledger.NewAuditStore(cfg.Ledger.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	if err = rt.audit.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit store: %w", err)
	}

	rt.alerts = alert.NewManager(cfg.Alerts, logger)

	// The hub pointer cannot flow into the interface fields directly: a
	// typed nil would pass the != nil checks downstream.
	var gateEvents approval.EventSink
	var loopEvents loop.EventSink
	if hub != nil {
		gateEvents = hub
		loopEvents = hub
	}

	rt.gate = approval.NewGate(cfg.Approval, filepath.Join(cfg.DataDir, "approvals"), rt.kill, rt.alerts, gateEvents, logger)
	if err = rt.gate.Start(); err != nil {
		return nil, fmt.Errorf("failed to start approval gate: %w", err)
	}

	tools := cfg.Tools
	if len(tools) == 0 {
		tools = defaultTools()
	}
	rt.registry, err = registry.New(tools)
	if err != nil {
		return nil, fmt.Errorf("invalid tool registry: %w", err)
	}
	rt.engine, err = policy.NewEngine(rt.registry, cfg.Policy, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}

	rt.exec = executor.New(logger)
	registerSimulatedTools(rt.exec, rt.registry)
	scorer := outcome.NewScorer(logger)

	rt.episodic, err = memory.NewEpisodicStore(dataDir(cfg, "episodic_memory"), 64, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open episodic memory: %w", err)
	}
	rt.semantic, err = memory.NewSemanticStore(dataDir(cfg, "semantic_memory"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open semantic memory: %w", err)
	}
	policyMem, err := memory.NewPolicyMemory(dataDir(cfg, "policy_memory"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy memory: %w", err)
	}
	rt.economic, err = memory.NewEconomicMemory(dataDir(cfg, "economic_memory"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open economic memory: %w", err)
	}
	if err = applyBudgets(rt.economic, cfg.Budget); err != nil {
		return nil, fmt.Errorf("failed to set budgets: %w", err)
	}

	sanitizer := sanitize.New(sanitizerConfig(cfg.Sanitize), logger)
	orch := reasoning.NewOrchestrator(sanitizer, rt.kill, logger)
	registerProviders(orch, cfg.Providers, logger)
	traces, err := reasoning.NewTraceWriter(dataDir(cfg, "cognitive_trace"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace dir: %w", err)
	}
	reasoner := reasoning.NewReasoner(orch, rt.registry, traces, logger)

	replay, err := loop.NewReplayWriter(filepath.Join(cfg.DataDir, "replay_buffer"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay buffer: %w", err)
	}

	rt.manager, err = loop.NewManager(loop.Deps{
		Registry:  rt.registry,
		Policy:    rt.engine,
		Model:     reasoner,
		Approvals: rt.gate,
		Shadow:    shadow.NewRunner(rt.exec, scorer, nil, logger),
		Executor:  rt.exec,
		Scorer:    scorer,
		Episodic:  rt.episodic,
		Semantic:  rt.semantic,
		PolicyMem: policyMem,
		Economic:  rt.economic,
		Ledger:    rt.led,
		Audit:     rt.audit,
		Kill:      rt.kill,
		Replay:    replay,
		Alerts:    rt.alerts,
		Events:    loopEvents,
	}, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build incident manager: %w", err)
	}
	rt.manager.Start()

	logger.Info("runtime initialized",
		"tools", rt.registry.Len(),
		"providers", orch.Roles(),
		"environment", cfg.Policy.Environment,
		"shadow", cfg.Shadow.Enabled,
	)
	return rt, nil
}

// ─── run ───

func runIncident(configFile, incidentID string, obsTexts []string, obsFile, source string, devMode bool) (int, error) {
	loader, err := loadConfig(configFile)
	if err != nil {
		return loop.ExitError, err
	}
	cfg := loader.Get()
	if devMode {
		cfg.Server.LogLevel = "debug"
	}
	logger := newLogger(cfg.Server.LogLevel)

	observations, err := collectObservations(obsTexts, obsFile, source)
	if err != nil {
		return loop.ExitError, err
	}
	if len(observations) == 0 {
		return loop.ExitError, fmt.Errorf("no observations: pass --observation or --file")
	}

	hub := api.NewWebSocketHub(logger)
	rt, err := buildRuntime(cfg, logger, hub)
	if err != nil {
		return loop.ExitError, err
	}
	defer rt.close()

	// Host the approval console for the run's lifetime so pending
	// actions can be decided with `aegis approve`. A busy port is not
	// fatal: grant files under approvals/ still work.
	srv := api.NewServer(cfg.Server, api.Deps{
		Gate:    rt.gate,
		Kill:    rt.kill,
		Manager: rt.manager,
		Engine:  rt.engine,
		Audit:   rt.audit,
		Ledger:  rt.led,
		Hub:     hub,
	}, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("approval console unavailable, grant files still work", "error", err)
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var next int
	observe := func(ctx context.Context) (incident.Observation, bool) {
		if next >= len(observations) {
			return incident.Observation{}, false
		}
		obs := observations[next]
		next++
		return obs, true
	}
	// Resolved once at least one action succeeded and nothing is left
	// to look at. Dedicated monitors would poll the real condition here.
	resolved := func(ctx context.Context) bool {
		l, ok := rt.manager.Get(incidentID)
		if !ok {
			return false
		}
		snap := l.State()
		return snap.Successes > 0 && next >= len(observations)
	}

	fmt.Printf("  Incident %s: %d observation(s), console on http://%s\n\n", incidentID, len(observations), srv.Addr())

	final, runErr := rt.manager.Run(ctx, incidentID, observe, resolved)
	code := loop.ExitCode(final, runErr)

	switch {
	case runErr != nil && errors.Is(runErr, loop.ErrKilled):
		fmt.Printf("  ✗ Incident %s killed: %v\n", incidentID, runErr)
	case runErr != nil:
		return code, runErr
	case final == incident.OutcomeResolved:
		fmt.Printf("  ✓ Incident %s resolved\n", incidentID)
	case final == incident.OutcomeEscalated:
		fmt.Printf("  ⚠ Incident %s escalated to a human\n", incidentID)
	case final == incident.OutcomeBlocked:
		fmt.Printf("  ✗ Incident %s blocked by policy\n", incidentID)
	default:
		fmt.Printf("  ✗ Incident %s finished as %s\n", incidentID, final)
	}

	if mem, err := rt.episodic.GetIncident(incidentID); err == nil {
		fmt.Printf("    Steps:  %d (%d ok, %d failed, %d blocked, %d escalated)\n",
			mem.Summary.Steps, mem.Summary.Successes, mem.Summary.Failures,
			mem.Summary.Blocked, mem.Summary.Escalated)
	}
	fmt.Printf("    Spend:  $%.2f\n", rt.economic.IncidentSpend(incidentID))
	fmt.Printf("    Ledger: %d entries (%s)\n", rt.led.Len(), rt.led.Path())
	return code, nil
}

// ─── serve ───

func runServe(configFile string, portOverride int, devMode bool) error {
	loader, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	cfg := loader.Get()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.LogLevel = "debug"
	}
	logger := newLogger(cfg.Server.LogLevel)

	hub := api.NewWebSocketHub(logger)
	rt, err := buildRuntime(cfg, logger, hub)
	if err != nil {
		return err
	}
	defer rt.close()

	var tokens *auth.TokenManager
	var adminToken auth.Token
	if devMode {
		logger.Warn("authentication disabled (--dev)")
	} else {
		ttl, err := time.ParseDuration(cfg.Server.TokenTTL)
		if err != nil {
			ttl = time.Hour
		}
		tokens = auth.NewTokenManager(ttl, logger)
		adminToken, err = tokens.CreateToken(auth.RoleAdmin, "")
		if err != nil {
			return fmt.Errorf("failed to create admin token: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Gate:    rt.gate,
		Kill:    rt.kill,
		Manager: rt.manager,
		Engine:  rt.engine,
		Audit:   rt.audit,
		Ledger:  rt.led,
		Tokens:  tokens,
		Hub:     hub,
	}, logger)

	// Hot-reload: budget limits apply live; policy thresholds and server
	// settings bind at construction and need a restart.
	if loader.FilePath() != "" {
		watcher, err := config.NewWatcher(loader, logger)
		if err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			watcher.OnReload(func(c *config.Config) {
				if err := applyBudgets(rt.economic, c.Budget); err != nil {
					logger.Warn("budget update failed", "error", err)
				}
			})
			watcher.Start()
			defer func() { _ = watcher.Stop() }()
		}
	}

	fmt.Println()
	fmt.Println("  ╔════════════════════════════════════════════╗")
	fmt.Println("  ║   Aegis " + fmt.Sprintf("%-35s", version) + "║")
	fmt.Println("  ║   Perceive. Reason. Act. Within policy.    ║")
	fmt.Println("  ╚════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  → API:         http://%s/api\n", srv.Addr())
	fmt.Printf("  → Events:      ws://%s/ws\n", srv.Addr())
	fmt.Printf("  → Ledger:      %s (%d entries)\n", rt.led.Path(), rt.led.Len())
	fmt.Printf("  → Audit:       %s\n", cfg.Ledger.SQLitePath)
	fmt.Printf("  → Tools:       %d registered\n", rt.registry.Len())
	fmt.Printf("  → Environment: %s\n", cfg.Policy.Environment)
	if tokens != nil {
		fmt.Printf("  → Admin token: %s (expires %s)\n", adminToken.Secret, adminToken.ExpiresAt.Format(time.RFC3339))
		fmt.Println()
		fmt.Println("  export AEGIS_TOKEN=<token> for the approve/deny/status commands.")
	} else {
		fmt.Println("  → Auth:        disabled (--dev)")
	}
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// ─── approvals / status ───

func runApprovals(port int) error {
	result, status, err := apiRequest("GET", port, "/api/approvals", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("list failed (HTTP %d): %v", status, result["error"])
	}
	reqs, _ := result["approvals"].([]interface{})
	if len(reqs) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}
	fmt.Printf("%-28s %-18s %-18s %-8s %s\n", "ID", "INCIDENT", "TOOL", "RISK", "EXPIRES")
	fmt.Println(strings.Repeat("─", 95))
	for _, r := range reqs {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Printf("%-28v %-18v %-18v %-8v %v\n",
			truncate(str(m["id"]), 28), truncate(str(m["incident_id"]), 18),
			truncate(str(m["tool"]), 18), m["risk_level"], m["expires_at"])
	}
	fmt.Printf("\n  aegis approve <id>   |   aegis deny <id> --reason \"...\"\n")
	return nil
}

func runStatus(port int) error {
	result, status, err := apiRequest("GET", port, "/api/status", nil)
	if err != nil {
		fmt.Printf("Aegis is not running on port %d\n", resolvePort(port))
		return nil
	}
	if status != http.StatusOK {
		return fmt.Errorf("status failed (HTTP %d): %v", status, result["error"])
	}

	fmt.Println("Aegis Status")
	fmt.Println("────────────")
	fmt.Printf("  %-20s %v\n", "pending_approvals:", result["pending_approvals"])
	if ks, ok := result["killswitch"].(map[string]interface{}); ok {
		fmt.Printf("  %-20s %v\n", "kill_global:", ks["global_triggered"])
		fmt.Printf("  %-20s %v\n", "incident_kills:", ks["incident_kills"])
	}
	if led, ok := result["ledger"].(map[string]interface{}); ok {
		fmt.Printf("  %-20s %.0f\n", "ledger_entries:", num(led["entries"]))
	}
	if stats, ok := result["stats"].(map[string]interface{}); ok {
		for k, v := range stats {
			fmt.Printf("  %-20s %v\n", k+":", v)
		}
	}
	incidents, _ := result["incidents"].([]interface{})
	if len(incidents) == 0 {
		fmt.Println("\nNo open incidents.")
		return nil
	}
	fmt.Printf("\n%-24s %-18s %-8s %s\n", "INCIDENT", "PHASE", "STEPS", "ACTIONS")
	fmt.Println(strings.Repeat("─", 64))
	for _, it := range incidents {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Printf("%-24v %-18v %-8.0f %.0f/%.0f\n",
			truncate(str(m["incident_id"]), 24), m["phase"], num(m["steps"]),
			num(m["actions_taken"]), num(m["max_actions"]))
	}
	return nil
}

// ─── ledger verify ───

func runLedgerVerify(configFile, pathOverride string) error {
	path := pathOverride
	if path == "" {
		loader, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		path = loader.Get().Ledger.JSONLPath
	}
	ok, broken, total, err := ledger.VerifyFile(path)
	if err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	if !ok {
		fmt.Printf("  ✗ Hash chain broken at entry %d of %d (%s)\n", broken, total, path)
		return fmt.Errorf("ledger verification failed")
	}
	fmt.Printf("  ✓ Hash chain intact: %d entries (%s)\n", total, path)
	return nil
}

// ─── distill ───

func runDistill(configFile string, windowDays, minSupport int) error {
	loader, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	cfg := loader.Get()
	logger := newLogger(cfg.Server.LogLevel)

	episodic, err := memory.NewEpisodicStore(dataDir(cfg, "episodic_memory"), 64, logger)
	if err != nil {
		return fmt.Errorf("failed to open episodic memory: %w", err)
	}
	semantic, err := memory.NewSemanticStore(dataDir(cfg, "semantic_memory"), logger)
	if err != nil {
		return fmt.Errorf("failed to open semantic memory: %w", err)
	}

	dcfg := memory.DistillerConfig{
		WindowDays:  cfg.Distiller.WindowDays,
		MinSupport:  cfg.Distiller.MinSupport,
		Concurrency: cfg.Distiller.Concurrency,
	}
	if windowDays > 0 {
		dcfg.WindowDays = windowDays
	}
	if minSupport > 0 {
		dcfg.MinSupport = minSupport
	}

	report, err := memory.NewDistiller(episodic, semantic, dcfg, logger).Distill(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("  ✓ Distilled %d incident(s) in %s\n", report.IncidentsScanned, report.Elapsed.Round(time.Millisecond))
	fmt.Printf("    Tool facts:     %d\n", report.ToolFacts)
	fmt.Printf("    Sequence facts: %d\n", report.SequenceFacts)
	return nil
}

// ─── threatdna ───

func newExchange(configFile string) (*memory.Exchange, error) {
	loader, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	cfg := loader.Get()
	logger := newLogger(cfg.Server.LogLevel)

	semantic, err := memory.NewSemanticStore(dataDir(cfg, "semantic_memory"), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open semantic memory: %w", err)
	}
	sanitizer := sanitize.New(sanitizerConfig(cfg.Sanitize), logger)
	source, _ := os.Hostname()
	if source == "" {
		source = "aegis"
	}
	return memory.NewExchange(semantic,
		dataDir(cfg, "exports", "threat_dna"),
		dataDir(cfg, "imports", "threat_dna"),
		source, sanitizer.Clean, logger), nil
}

func runThreatDNAExport(configFile string) error {
	ex, err := newExchange(configFile)
	if err != nil {
		return err
	}
	report, err := ex.Export(time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("  ✓ Exported %d fact(s) to %s", report.Accepted, report.Path)
	if report.Skipped > 0 {
		fmt.Printf(" (%d withheld by the sanitizer)", report.Skipped)
	}
	fmt.Println()
	return nil
}

func runThreatDNAImport(configFile, path string) error {
	ex, err := newExchange(configFile)
	if err != nil {
		return err
	}
	if path != "" {
		report, err := ex.Import(path)
		if err != nil {
			return err
		}
		fmt.Printf("  ✓ Imported %d of %d fact(s) from %s\n", report.Accepted, report.Total, report.Path)
		return nil
	}
	reports, err := ex.ImportAll()
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Println("No envelopes found in the import directory.")
		return nil
	}
	for _, r := range reports {
		fmt.Printf("  ✓ Imported %d of %d fact(s) from %s\n", r.Accepted, r.Total, r.Path)
	}
	return nil
}

// ─── playbook ───

func runPlaybookList(configFile string) error {
	loader, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	cfg := loader.Get()

	// Read-only: the store gets no directory so listing never writes
	// files back.
	store := playbook.NewStore(cfg.Learning, "", newLogger("warn"))
	if _, err := playbook.NewLoader(store, cfg.PlaybooksDir, newLogger("warn")).Load(); err != nil {
		return err
	}

	books := store.All()
	fmt.Printf("%-34s %-22s %-6s %-14s %-5s %s\n", "ID", "FINDING TYPE", "CONF", "POLICY", "RUNS", "SOURCE")
	fmt.Println(strings.Repeat("─", 98))
	for _, p := range books {
		fmt.Printf("%-34s %-22s %-6.2f %-14s %-5d %s\n",
			truncate(p.PlaybookID, 34), truncate(p.FindingType, 22), p.Confidence,
			p.ApprovalPolicy, p.SuccessMetrics.Applications(), p.Source)
	}
	return nil
}

func runPlaybookValidate(configFile string) error {
	loader, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	dir := loader.Get().PlaybooksDir

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		fmt.Printf("  ⚠ No playbooks directory at %s (run 'aegis init')\n", dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read playbooks dir: %w", err)
	}

	valid, invalid := 0, 0
	for _, entry := range entries {
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			fmt.Printf("  ✗ %s: %v\n", name, err)
			invalid++
			continue
		}
		var p playbook.FixPlaybook
		if err := yaml.Unmarshal(data, &p); err != nil {
			fmt.Printf("  ✗ %s: %v\n", name, err)
			invalid++
			continue
		}
		if err := p.Validate(); err != nil {
			fmt.Printf("  ✗ %s: %v\n", name, err)
			invalid++
			continue
		}
		fmt.Printf("  ✓ %s (%s, confidence %.2f)\n", name, p.PlaybookID, p.Confidence)
		valid++
	}

	fmt.Printf("\n  %d valid, %d invalid, %d builtin seed(s)\n", valid, invalid, len(playbook.Builtins()))
	if invalid > 0 {
		return fmt.Errorf("%d playbook(s) failed validation", invalid)
	}
	return nil
}

// ─── init ───

func runInit() error {
	configPath := "aegis.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
	} else {
		if err := config.GenerateDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("  ✓ Generated %s\n", configPath)
	}

	dirs := []string{
		filepath.Join("data", "episodic_memory"),
		filepath.Join("data", "semantic_memory"),
		filepath.Join("data", "policy_memory"),
		filepath.Join("data", "economic_memory"),
		filepath.Join("data", "cognitive_trace"),
		filepath.Join("data", "exports", "threat_dna"),
		filepath.Join("data", "imports", "threat_dna"),
		"replay_buffer",
		"approvals",
		"playbooks",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create %s/: %w", d, err)
		}
		fmt.Printf("  ✓ Created %s/\n", d)
	}

	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    aegis serve                                    # Start the approval console")
	fmt.Println("    aegis run -o \"api-gateway: 500 error spike\"    # Drive one incident")
	fmt.Println("    aegis status                                   # Inspect a running instance")
	return nil
}

// ─── wiring helpers ───

func loadConfig(configFile string) (*config.Loader, error) {
	loader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	return loader, nil
}

func findConfigFile() string {
	candidates := []string{
		"aegis.yaml",
		"aegis.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "aegis", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func dataDir(cfg *config.Config, parts ...string) string {
	return filepath.Join(append([]string{cfg.DataDir, "data"}, parts...)...)
}

func applyBudgets(economic *memory.EconomicMemory, b config.BudgetConfig) error {
	if err := economic.SetBudget("default", b.DailyLimitUSD, b.MonthlyLimitUSD); err != nil {
		return err
	}
	for tenant, lim := range b.Tenants {
		if err := economic.SetBudget(tenant, lim.DailyLimitUSD, lim.MonthlyLimitUSD); err != nil {
			return err
		}
	}
	return nil
}

func sanitizerConfig(sc config.SanitizeConfig) sanitize.Config {
	out := sanitize.Config{
		StrictMode:    sc.Strict,
		MaxTextLen:    sc.MaxTextLen,
		ExtraPatterns: sc.ExtraPatterns,
	}
	if sc.AllowRestricted {
		out.AllowedTypes = []sanitize.DataType{
			sanitize.DataAPIKey, sanitize.DataPassword, sanitize.DataBearerToken,
			sanitize.DataPEMBlock, sanitize.DataAWSKey, sanitize.DataSSN,
			sanitize.DataCreditCard, sanitize.DataConnString,
		}
	}
	return out
}

func registerProviders(orch *reasoning.Orchestrator, pcfg config.ProvidersConfig, logger *slog.Logger) {
	orch.Register(provider.NewOpenAIClient(providerOptions(pcfg.OpenAI), logger))
	orch.Register(provider.NewAnthropicClient(providerOptions(pcfg.Anthropic), logger))
	if gem, err := provider.NewGeminiClient(context.Background(), providerOptions(pcfg.Gemini), logger); err != nil {
		logger.Warn("gemini provider unavailable", "error", err)
	} else {
		orch.Register(gem)
	}
	orch.Register(provider.NewLocalClient(providerOptions(pcfg.Local), logger))
}

func providerOptions(pc config.ProviderConfig) provider.Options {
	return provider.Options{
		BaseURL: pc.BaseURL,
		APIKey:  pc.APIKey,
		Model:   pc.Model,
		Timeout: time.Duration(pc.TimeoutSeconds) * time.Second,
	}
}

// defaultTools is the zero-config catalog: one entry per risk tier so
// the policy rules are all reachable out of the box.
func defaultTools() []registry.Tool {
	return []registry.Tool{
		{ID: "run_diagnostics", Risk: registry.RiskNone, ProdAllowed: true,
			Description: "Collect logs and metrics for a service", BaselineMS: 500},
		{ID: "restart_service", Risk: registry.RiskLow, ProdAllowed: true,
			RequiredInputKeys: []string{"service"},
			Description:       "Restart a service process", BaselineMS: 800},
		{ID: "clear_cache", Risk: registry.RiskLow, ProdAllowed: true,
			RequiredInputKeys: []string{"service"},
			Description:       "Flush a service cache", BaselineMS: 300},
		{ID: "scale_deployment", Risk: registry.RiskMedium, ProdAllowed: true,
			RequiredInputKeys: []string{"service", "replicas"},
			Description:       "Change a deployment's replica count", BaselineMS: 1500},
		{ID: "block_ip", Risk: registry.RiskMedium, ProdAllowed: true,
			RequiredInputKeys: []string{"ip"},
			Description:       "Add a firewall deny rule for an address", BaselineMS: 400},
		{ID: "rotate_keys", Risk: registry.RiskHigh, ProdAllowed: true,
			RequiredInputKeys: []string{"service"},
			Description:       "Rotate service credentials", ShadowBeforeProd: true, BaselineMS: 5000},
		{ID: "rollback_deploy", Risk: registry.RiskHigh, ProdAllowed: true,
			RequiredInputKeys: []string{"service", "version"},
			Description:       "Roll a service back to a previous version", ShadowBeforeProd: true, BaselineMS: 8000},
		{ID: "terminate_instance", Risk: registry.RiskCritical, ProdAllowed: false,
			RequiredInputKeys: []string{"instance"},
			Description:       "Destroy a compute instance", BaselineMS: 2000},
	}
}

// registerSimulatedTools binds a stand-in executor to every registry
// tool. Real integrations replace these per deployment; the simulations
// honor the execution-mode key so shadow runs behave correctly.
func registerSimulatedTools(exec *executor.Executor, reg *registry.Registry) {
	for _, tool := range reg.All() {
		t := tool
		_ = exec.Register(t.ID, func(ctx context.Context, args map[string]any) incident.Outcome {
			mode, _ := args[executor.ExecutionModeKey].(string)
			data := map[string]any{
				"tool":   t.ID,
				"status": "completed",
			}
			if mode != "" {
				data["mode"] = mode
			}
			for _, k := range t.RequiredInputKeys {
				if v, ok := args[k]; ok {
					data[k] = v
				}
			}
			return incident.Outcome{
				Success:     true,
				SideEffects: mode != executor.ModeShadow,
				Data:        data,
			}
		})
	}
}

func collectObservations(texts []string, file, source string) ([]incident.Observation, error) {
	now := time.Now().UTC()
	out := make([]incident.Observation, 0, len(texts))
	for _, t := range texts {
		out = append(out, incident.Observation{Content: t, Source: source, Timestamp: now})
	}
	if file == "" {
		return out, nil
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open observations file: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var obs incident.Observation
		if err := json.Unmarshal([]byte(text), &obs); err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", file, line, err)
		}
		if obs.Source == "" {
			obs.Source = source
		}
		if obs.Timestamp.IsZero() {
			obs.Timestamp = now
		}
		out = append(out, obs)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read observations file: %w", err)
	}
	return out, nil
}

// ─── shared helpers ───

func resolvePort(port int) int {
	if port == 0 {
		return 7447
	}
	return port
}

// apiRequest talks to a local aegis process. AEGIS_TOKEN supplies the
// bearer token when the server runs with auth.
func apiRequest(method string, port int, path string, body any) (map[string]interface{}, int, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, fmt.Sprintf("http://127.0.0.1:%d%s", resolvePort(port), path), rd)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := os.Getenv("AEGIS_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to connect (is aegis running?): %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&result)
	return result, resp.StatusCode, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func num(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
