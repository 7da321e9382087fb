// Package telemetry provides OKAMI's observability layer: a structured,
// leveled logger satisfying core.ComponentAwareLogger, an OpenTelemetry
// provider satisfying core.Telemetry, and a metrics registry that framework
// internals reach through core.GetGlobalMetricsRegistry so that core never
// imports this package.
//
// Everything here is ambient infrastructure. The orchestrator, memory
// layer, guardrail pipeline, and evolution loop log through core.Logger;
// the orchestrator records spans and metrics through core.Telemetry and the
// guardrail pipeline counts verdicts through the global registry. This
// package is the only place the OTel SDK and exporters appear.
package telemetry
