package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for spans and metrics.
var (
	AttrModelName = attribute.Key("model.name")
	AttrModelID   = attribute.Key("model.id")

	AttrTokensInput  = attribute.Key("model.tokens.input")
	AttrTokensOutput = attribute.Key("model.tokens.output")
	AttrCostUSD      = attribute.Key("model.cost_usd")
	AttrToolCount    = attribute.Key("model.tool_count")
	AttrStreamEvents = attribute.Key("model.stream_events")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolOutputLength = attribute.Key("tool.output_length")
	AttrCallID           = attribute.Key("call.id")

	AttrCallStatus = attribute.Key("call.status")
	AttrSessionID  = attribute.Key("session.id")
)
