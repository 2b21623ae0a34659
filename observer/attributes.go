package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for runtime observability spans and metrics.
var (
	AttrAgentID     = attribute.Key("agent.id")
	AttrAgentStatus = attribute.Key("agent.status")

	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrRouteMode   = attribute.Key("route.mode")
	AttrRouteStatus = attribute.Key("route.status")

	AttrFusionFloodEntries = attribute.Key("fusion.flood_entries")
	AttrFusionScoutReports = attribute.Key("fusion.scout_reports")
	AttrFusionEdgesTouched = attribute.Key("fusion.edges_touched")
)
