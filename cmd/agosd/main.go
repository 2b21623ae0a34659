// Command agosd runs the flood-aware routing runtime: the agent
// scheduler, the message bus, and the HTTP gateway.
//
// Exit codes: 0 normal shutdown, 1 invalid configuration, 2 road graph
// load failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/nevindra/agos"
	"github.com/nevindra/agos/collect"
	"github.com/nevindra/agos/evac"
	"github.com/nevindra/agos/gateway"
	"github.com/nevindra/agos/graph"
	"github.com/nevindra/agos/hazard"
	"github.com/nevindra/agos/internal/config"
	"github.com/nevindra/agos/observer"
	"github.com/nevindra/agos/provider/openaicompat"
	"github.com/nevindra/agos/route"
	"github.com/nevindra/agos/scout"
	"github.com/nevindra/agos/store/postgres"
	"github.com/nevindra/agos/store/sqlite"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to agos.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agosd:", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability is optional; the runtime works without it.
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		// The OTLP exporters read the standard OTEL env vars; the config
		// key is a convenience alias for deployments without them.
		if cfg.Observer.Endpoint != "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		in, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			logger.Warn("observer init failed, continuing without telemetry", "err", err)
		} else {
			inst = in
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					logger.Warn("observer shutdown", "err", err)
				}
			}()
		}
	}

	// Road graph.
	var g *graph.RoadGraph
	if cfg.Runtime.GraphPath != "" {
		g, err = graph.LoadFile(cfg.Runtime.GraphPath, graph.WithLogger(logger))
		if err != nil {
			fmt.Fprintln(os.Stderr, "agosd: load graph:", err)
			return 2
		}
	} else {
		logger.Info("no graph configured, using the built-in sample network")
		g = graph.SampleNetwork(graph.WithLogger(logger))
	}
	if cfg.Runtime.SnapshotPath != "" {
		if savedAt, restored, err := g.Restore(cfg.Runtime.SnapshotPath); err == nil {
			logger.Info("risk snapshot restored",
				"edges", restored, "saved_at", time.Unix(savedAt, 0))
		}
	}

	// LLM facade. A missing base URL leaves the provider nil; every
	// consumer degrades to its rule-based fallback.
	newProvider := func(model string) agos.Provider {
		p := agos.WithRetry(
			openaicompat.NewProvider(cfg.LLM.APIKey, model, cfg.LLM.BaseURL),
			agos.RetryLogger(logger))
		if cfg.LLM.RequestsPerMinute > 0 || cfg.LLM.TokensPerMinute > 0 {
			p = agos.WithRateLimit(p,
				agos.RPM(cfg.LLM.RequestsPerMinute),
				agos.TPM(cfg.LLM.TokensPerMinute))
		}
		if inst != nil {
			p = observer.WrapProvider(p, model, inst)
		}
		return p
	}
	var provider agos.Provider
	llmOpts := []agos.ServiceOption{agos.WithServiceLogger(logger)}
	if cfg.LLM.BaseURL != "" {
		provider = newProvider(cfg.LLM.Model)
		if vm := cfg.LLM.VisionModel; vm != "" && vm != cfg.LLM.Model {
			llmOpts = append(llmOpts, agos.WithVisionProvider(newProvider(vm)))
		}
	}
	llm := agos.NewLLMService(provider, llmOpts...)

	// Observation store (optional collaborator).
	var store agos.ObservationStore
	switch {
	case cfg.Database.PostgresURL != "":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			logger.Warn("postgres unavailable, running without history", "err", err)
			break
		}
		defer pool.Close()
		pg := postgres.New(pool)
		if err := pg.Init(ctx); err != nil {
			logger.Warn("postgres init failed, running without history", "err", err)
			break
		}
		store = pg
	case cfg.Database.SQLitePath != "":
		db := sqlite.New(cfg.Database.SQLitePath)
		if err := db.Init(ctx); err != nil {
			logger.Warn("sqlite init failed, running without history", "err", err)
			break
		}
		defer db.Close()
		store = db
	}

	bus := agos.NewBus(agos.WithBusLogger(logger))

	locations := knownLocations(cfg.Locations)
	locationNames := make([]string, 0, len(locations))
	for name := range locations {
		locationNames = append(locationNames, name)
	}

	// Collector sources.
	collectorOpts := []collect.Option{
		collect.WithLLM(llm),
		collect.WithInterval(time.Duration(cfg.Runtime.FloodUpdateIntervalS) * time.Second),
		collect.WithStationFilter(cfg.Sources.StationFilter),
		collect.WithRiverDefaults(collect.RiverThresholds{
			AlertM:    cfg.WaterLevel.AlertM,
			AlarmM:    cfg.WaterLevel.AlarmM,
			CriticalM: cfg.WaterLevel.CriticalM,
		}),
		collect.WithDamDefaults(collect.DamThresholds{
			AlertDevM:    cfg.Dam.AlertM,
			AlarmDevM:    cfg.Dam.AlarmM,
			CriticalDevM: cfg.Dam.CriticalM,
		}),
		collect.WithRainfallThresholds(collect.RainfallThresholds{
			Light:    cfg.Rainfall.Light,
			Moderate: cfg.Rainfall.Moderate,
			Heavy:    cfg.Rainfall.Heavy,
			Extreme:  cfg.Rainfall.Extreme,
		}),
		collect.WithKnownAreas(locationNames),
	}
	if cfg.Sources.GaugesURL != "" {
		collectorOpts = append(collectorOpts, collect.WithGauges(&collect.HTTPGaugeSource{URL: cfg.Sources.GaugesURL}))
	}
	if cfg.Sources.DamsURL != "" {
		collectorOpts = append(collectorOpts, collect.WithDams(&collect.HTTPDamSource{URL: cfg.Sources.DamsURL}))
	}
	if cfg.Sources.WeatherURL != "" {
		collectorOpts = append(collectorOpts, collect.WithWeather(&collect.HTTPWeatherSource{URL: cfg.Sources.WeatherURL}))
	}
	var advisories []collect.AdvisorySource
	if cfg.Sources.AdvisoryRSS != "" {
		advisories = append(advisories, &collect.RSSAdvisorySource{URL: cfg.Sources.AdvisoryRSS})
	}
	if cfg.Sources.BulletinDir != "" {
		advisories = append(advisories, &collect.PDFBulletinSource{Dir: cfg.Sources.BulletinDir})
	}
	if len(advisories) > 0 {
		collectorOpts = append(collectorOpts, collect.WithAdvisories(advisories...))
	}
	if cfg.Sources.Simulate {
		locs := cfg.Sources.SimLocations
		if len(locs) == 0 {
			locs = locationNames
		}
		collectorOpts = append(collectorOpts, collect.WithSimulator(
			collect.NewSimulator(cfg.Sources.SimulateSeed, locs)))
	}
	collector, err := collect.NewAgent(bus, logger, collectorOpts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agosd:", err)
		return 1
	}

	scoutAgent, err := scout.NewAgent(bus, logger,
		scout.WithLLM(llm),
		scout.WithGeocoder(scout.TableGeocoder(locations)),
		scout.WithKnownLocations(locationNames),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agosd:", err)
		return 1
	}

	hazardOpts := []hazard.Option{
		hazard.WithLocations(locations),
		hazard.WithTTLs(
			time.Duration(cfg.Runtime.FloodTTLMinutes)*time.Minute,
			time.Duration(cfg.Runtime.ScoutTTLMinutes)*time.Minute),
		hazard.WithRiskWeights(hazard.RiskWeights{
			FloodDepth:   cfg.RiskWeights.FloodDepth,
			Crowdsourced: cfg.RiskWeights.Crowdsourced,
			Historical:   cfg.RiskWeights.Historical,
		}),
		hazard.WithDepthCurve(hazard.DepthCurve{
			Method:     cfg.DepthToRisk.Method,
			Steepness:  cfg.DepthToRisk.SigmoidSteepness,
			Inflection: cfg.DepthToRisk.SigmoidInflection,
			MaxDepthM:  cfg.DepthToRisk.MaxDepthM,
		}),
		hazard.WithVisualOverride(cfg.VisualOver.RiskThreshold, cfg.VisualOver.ConfidenceThreshold),
	}
	if cfg.Runtime.RasterDir != "" {
		raster, err := hazard.NewGridRaster(cfg.Runtime.RasterDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "agosd:", err)
			return 1
		}
		hazardOpts = append(hazardOpts, hazard.WithRaster(raster))
	}
	if cfg.Runtime.SnapshotPath != "" {
		hazardOpts = append(hazardOpts, hazard.WithSnapshotter(graph.NewSnapshotter(
			g, cfg.Runtime.SnapshotPath,
			time.Duration(cfg.Runtime.SnapshotIntervalSec)*time.Second)))
	}
	if store != nil {
		hazardOpts = append(hazardOpts, hazard.WithStore(store))
	}
	if inst != nil {
		hazardOpts = append(hazardOpts, hazard.WithFusionObserver(inst.RecordFusion))
	}
	hazardAgent, err := hazard.NewAgent(bus, g, logger, hazardOpts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agosd:", err)
		return 1
	}

	routeOpts := []route.AgentOption{
		route.WithParams(route.Params{
			PenaltySafest:   cfg.RiskPenalty.Safest,
			PenaltyBalanced: cfg.RiskPenalty.Balanced,
			PenaltyFastest:  cfg.RiskPenalty.Fastest,
			CriticalRisk:    cfg.Runtime.CriticalRiskThreshold,
		}),
		route.WithMaxNodeDistance(cfg.Runtime.MaxNodeDistanceM),
		route.WithLLM(llm),
	}
	if inst != nil {
		routeOpts = append(routeOpts, route.WithComputeObserver(inst.RecordRoute))
	}
	if cfg.Runtime.CentersCSV != "" {
		centers, err := route.LoadCenters(cfg.Runtime.CentersCSV)
		if err != nil {
			fmt.Fprintln(os.Stderr, "agosd:", err)
			return 1
		}
		routeOpts = append(routeOpts, route.WithCenters(centers))
	}
	router, err := route.NewAgent(bus, g, logger, routeOpts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agosd:", err)
		return 1
	}

	evacAgent, err := evac.NewAgent(bus, logger,
		evac.WithLLM(llm), evac.WithFinder(router))
	if err != nil {
		fmt.Fprintln(os.Stderr, "agosd:", err)
		return 1
	}

	orchOpts := []agos.OrchestratorOption{
		agos.WithOrchestratorLogger(logger),
		agos.WithKnownLocations(locations),
		agos.WithRiskRadius(cfg.Runtime.RiskRadiusM),
		agos.WithCityCenter(
			(cfg.Coordinates.MinLat+cfg.Coordinates.MaxLat)/2,
			(cfg.Coordinates.MinLon+cfg.Coordinates.MaxLon)/2),
		agos.WithMissionTimeouts(agos.MissionTimeouts{
			Default:           time.Duration(cfg.Missions.TimeoutDefaultSec) * time.Second,
			AssessRisk:        time.Duration(cfg.Missions.TimeoutAssessSec) * time.Second,
			CoordinatedEvac:   time.Duration(cfg.Missions.TimeoutEvacSec) * time.Second,
			RouteCalculation:  time.Duration(cfg.Missions.TimeoutRouteSec) * time.Second,
			CascadeRiskUpdate: time.Duration(cfg.Missions.TimeoutCascadeSec) * time.Second,
		}),
		agos.WithMaxConcurrentMissions(cfg.Missions.MaxConcurrent),
		agos.WithMaxCompletedHistory(cfg.Missions.MaxCompletedHistory),
		agos.WithMaxChatTurns(cfg.Missions.MaxChatTurns),
	}
	if store != nil {
		orchOpts = append(orchOpts, agos.WithMissionJournal(store))
	}
	orch, err := agos.NewOrchestrator(bus, llm, orchOpts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agosd:", err)
		return 1
	}

	// Scheduler: orchestrator first so mission advances see fresh
	// replies, then data producers before consumers.
	sched := agos.NewScheduler(
		agos.WithTickInterval(time.Duration(cfg.Runtime.TickIntervalSeconds*float64(time.Second))),
		agos.WithSchedulerLogger(logger),
	)
	wrap := func(a agos.Agent) agos.Agent {
		if inst != nil {
			return observer.WrapAgent(a, inst)
		}
		return a
	}
	sched.Add(wrap(orch), 0)
	sched.Add(wrap(collector), 1)
	sched.Add(wrap(scoutAgent), 2)
	sched.Add(wrap(hazardAgent), 3)
	sched.Add(wrap(router), 4)
	sched.Add(wrap(evacAgent), 5)

	agentIDs := []string{
		agos.AgentOrchestrator, agos.AgentCollector, agos.AgentScout,
		agos.AgentHazard, agos.AgentRouting, agos.AgentEvac,
	}
	if inst != nil {
		if _, err := inst.RegisterBusDepth(bus, agentIDs); err != nil {
			logger.Warn("bus depth gauge", "err", err)
		}
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithAgents(agentIDs...),
		gateway.WithRiskFeedInterval(time.Duration(cfg.Gateway.RiskFeedIntervalSec) * time.Second),
	}
	if store != nil {
		gwOpts = append(gwOpts, gateway.WithStore(store))
	}
	srv := gateway.New(orch, router, evacAgent, llm, bus, g, gwOpts...)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Start(ctx); err != nil {
			logger.Error("scheduler stopped", "err", err)
		}
	}()

	logger.Info("agosd starting", "addr", cfg.Gateway.ListenAddr)
	if err := srv.Run(ctx, cfg.Gateway.ListenAddr); err != nil && err != http.ErrServerClosed {
		logger.Error("gateway stopped", "err", err)
	}
	<-schedDone
	logger.Info("agosd stopped")
	return 0
}

// knownLocations merges configured locations over the built-in Marikina
// barangay set. Config entries win.
func knownLocations(configured map[string][2]float64) map[string][2]float64 {
	merged := map[string][2]float64{
		"Nangka":            {14.6739, 121.1095},
		"Tumana":            {14.6580, 121.0966},
		"Malanday":          {14.6560, 121.0831},
		"Concepcion Uno":    {14.6498, 121.1036},
		"Concepcion Dos":    {14.6610, 121.1178},
		"Barangka":          {14.6322, 121.0756},
		"Calumpang":         {14.6263, 121.0870},
		"San Roque":         {14.6255, 121.0966},
		"Sta. Elena":        {14.6310, 121.0957},
		"Sto. Nino":         {14.6390, 121.0968},
		"Jesus De La Pena":  {14.6419, 121.0835},
		"Industrial Valley": {14.6351, 121.0778},
		"Parang":            {14.6616, 121.1279},
		"Marikina Heights":  {14.6525, 121.1215},
		"Fortune":           {14.6707, 121.1258},
	}
	for name, coords := range configured {
		merged[name] = coords
	}
	return merged
}
