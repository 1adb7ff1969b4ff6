package tracing

import "go.opentelemetry.io/otel/attribute"

// Span names.
const (
	SpanRun  = "stageflow.run"
	SpanTask = "stageflow.task"
)

// Attribute keys.
const (
	AttrRunID       = attribute.Key("stageflow.run.id")
	AttrTaskCount   = attribute.Key("stageflow.run.tasks")
	AttrTaskID      = attribute.Key("stageflow.task.id")
	AttrSample      = attribute.Key("stageflow.task.sample")
	AttrTemplate    = attribute.Key("stageflow.task.template")
	AttrEnvironment = attribute.Key("stageflow.task.environment")
	AttrExitCode    = attribute.Key("stageflow.task.exit_code")
	AttrState       = attribute.Key("stageflow.task.state")
)
