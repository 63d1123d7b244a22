package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"futures-core/internal/accounts"
	"futures-core/internal/api"
	"futures-core/internal/bracket"
	"futures-core/internal/connection"
	"futures-core/internal/engine"
	"futures-core/internal/events"
	"futures-core/internal/execution"
	"futures-core/internal/external"
	"futures-core/internal/health"
	"futures-core/internal/monitor"
	"futures-core/internal/persistence"
	"futures-core/internal/reconciliation"
	"futures-core/internal/risk"
	"futures-core/pkg/broker"
	"futures-core/pkg/config"
	"futures-core/pkg/db"
	"futures-core/pkg/instance"
	"futures-core/pkg/symbols"
)

const appName = "futures-core"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ load settings: %v", err)
	}
	tc, err := config.LoadTrading(cfg.TradingConfigPath)
	if err != nil {
		log.Fatalf("❌ load trading config: %v", err)
	}
	if cfg.DeltaThreshold > 0 {
		tc.Signal.DeltaThreshold = cfg.DeltaThreshold
	}
	if len(cfg.Symbols) > 0 {
		tc.Symbols = cfg.Symbols
	}
	if err := tc.Validate(); err != nil {
		log.Fatalf("❌ %v", err)
	}
	if !cfg.PaperMode {
		log.Fatalf("❌ no live broker adapter is configured; run with PAPER_MODE=true")
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v0.1-dev"
	}
	identity := instance.ID(appName)
	contracts := symbols.ResolveAll(tc.Symbols, time.Now())
	log.Printf("✓ Config loaded: port %s, symbols %v, identity %s", cfg.Port, contracts, identity)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Persistence
	database, err := db.Open(cfg.DBDriver, cfg.DBPath, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ apply migrations: %v", err)
	}
	writer := persistence.NewBatchWriter(database, 100, time.Second)
	defer writer.Close()
	recorder := persistence.NewRecorder(database, writer)
	log.Printf("✓ Database ready (%s)", database.Driver)

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	// Accounts and policy
	acctMgr, err := accounts.NewManager(tc.Accounts, tc.SyncGroups, tc.AccountCooldown)
	if err != nil {
		log.Fatalf("❌ accounts: %v", err)
	}
	for group, invalid := range acctMgr.ValidateGroups() {
		log.Printf("⚠️ sync group %s references unknown accounts %v", group, invalid)
	}
	riskMgr := risk.NewManager(tc.RiskConfig())
	calc, err := bracket.NewCalculator(tc.Bracket)
	if err != nil {
		log.Fatalf("❌ bracket: %v", err)
	}
	tracker := bracket.NewTracker(tc.Exits, calc.TickSize())
	window, err := symbols.NewTradingWindow(tc.Window.Enabled, tc.Window.Start, tc.Window.End, tc.Window.Timezone, tc.Window.Calendar)
	if err != nil {
		log.Fatalf("❌ trading window: %v", err)
	}
	adapter := external.NewAdapter(tc.External)

	// Venue
	paper, err := broker.NewPaper(broker.PaperConfig{
		Symbols:    contracts,
		StartPrice: cfg.PaperStartPrice,
		TickSize:   tc.Bracket.TickSize,
		LatencyMax: cfg.PaperLatencyMax,
	})
	if err != nil {
		log.Fatalf("❌ paper venue: %v", err)
	}
	executor := execution.NewExecutor(tc.Execution, paper, acctMgr, riskMgr)

	// Connections
	plants := []connection.PlantName{connection.PlantMarket, connection.PlantOrder, connection.PlantPnL}
	reporter := health.NewReporter(plants)
	transports := make(map[connection.PlantName]connection.Transport, len(plants))
	for _, p := range plants {
		transports[p] = paper.Transport(p)
	}
	var reconnectMu sync.Mutex
	seenReconnects := make(map[connection.PlantName]int)
	orch := connection.NewOrchestrator(identity, tc.Connection, transports, func(st connection.Status) {
		reporter.Update(st)
		metrics.SetPlantState(string(st.Plant), st.State == connection.Connected)
		bus.Publish(events.EventConnectionState, st)
		reconnectMu.Lock()
		for seenReconnects[st.Plant] < st.Reconnects {
			seenReconnects[st.Plant]++
			metrics.IncrementReconnects()
		}
		reconnectMu.Unlock()
	})

	eng, err := engine.NewImpl(engine.Config{
		Identity:     identity,
		Venue:        "paper",
		Paper:        true,
		Version:      buildVersion,
		Symbols:      contracts,
		Bars:         tc.Bars,
		Features:     tc.Features,
		Signal:       tc.Signal,
		Calculator:   calc,
		Tracker:      tracker,
		Window:       window,
		Executor:     executor,
		Accounts:     acctMgr,
		Risk:         riskMgr,
		External:     adapter,
		Orchestrator: orch,
		Quotes:       paper.Quotes(),
		Bus:          bus,
		Recorder:     recorder,
		Metrics:      metrics,
	})
	if err != nil {
		log.Fatalf("❌ engine: %v", err)
	}
	paper.SetHandlers(eng.Handlers())

	// Background services
	reconciliation.NewService(paper, acctMgr, recorder, cfg.ReconcileInterval).Start(ctx)
	mon := &monitor.Monitor{
		Bus:      bus,
		Sink:     monitor.LogSink{},
		Metrics:  metrics,
		Interval: cfg.MetricsInterval,
		Persist:  func(s monitor.MetricsSnapshot) error { return recorder.Metrics(s) },
	}
	mon.Start(ctx)
	orch.Start(ctx)
	paper.Start(ctx)
	eng.Start(ctx)
	log.Printf("✓ Engine started: window %s", window)

	go func() {
		if err := reporter.Serve(ctx, ":"+cfg.GRPCPort); err != nil {
			log.Printf("❌ health server: %v", err)
		}
	}()

	server, err := api.NewServer(eng, bus, metrics, api.Options{
		Store:        database,
		JWTSecret:    cfg.JWTSecret,
		DashPassword: cfg.DashPassword,
	})
	if err != nil {
		log.Fatalf("❌ api: %v", err)
	}
	if err := server.Start(ctx, ":"+cfg.Port); err != nil {
		log.Printf("❌ API server error: %v", err)
		cancel()
	}

	<-ctx.Done()
	log.Println("🔄 Shutting down...")
	orch.Wait()
	eng.Wait()
	if err := recorder.Flush(); err != nil {
		log.Printf("⚠️ final flush: %v", err)
	}
	log.Println("✅ Shutdown complete")
}
