// Package telemetry provides OpenTelemetry tracing and metrics for selfheal.
//
// The pipeline and scheduler obtain tracers and meters through the global
// otel providers, which New installs when telemetry is enabled. Exporter
// failures degrade telemetry instead of failing startup.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry for in-memory span and metric recording.
package telemetry
