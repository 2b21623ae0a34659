// Package agos is a multi-agent coordination runtime for urban flood-route
// optimization.
//
// It ingests heterogeneous real-time environmental inputs (river-gauge
// readings, dam levels, rainfall forecasts, text advisories, crowdsourced
// social posts with optional imagery), fuses them into a time-decaying risk
// field over a city road graph, and answers interactive queries: current
// risk at a location, safest route between two points, nearest evacuation
// center, and natural-language distress handling.
//
// The root package provides the coordination substrate: typed ACL messages
// (message.go), the per-agent FIFO message bus (bus.go), the cooperative
// tick scheduler (scheduler.go), the caching LLM facade (llm.go), and the
// mission-driving Orchestrator (orchestrator.go). Domain subsystems live in
// subpackages:
//
//   - graph: the road multigraph store with persisted risk snapshots
//   - route: risk-aware A* search and the routing agent
//   - hazard: the multi-source risk fusion agent
//   - collect: the flood data collector agent
//   - scout: the crowdsourced report agent
//   - evac: the evacuation manager agent
//   - gateway: the HTTP/WebSocket API surface
//   - store: observation history persistence (sqlite, postgres)
//   - observer: OTEL traces and metrics for the runtime
//
// Everything is wired through constructors; there is no hidden global
// state. Blocking operations take a context.Context and honor
// cancellation, which the scheduler propagates on shutdown.
package agos
