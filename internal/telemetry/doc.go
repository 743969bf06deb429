// Package telemetry installs OpenTelemetry trace and metric providers for
// errwatch.
//
// Instrumented packages call otel.Tracer and otel.Meter directly; they stay
// no-op until New installs SDK providers exporting over OTLP:
//
//	tel, err := telemetry.New(ctx, cfg.Telemetry, logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Exporter failures never stop errwatch. The instance is marked degraded and
// the global providers stay no-op.
//
// Tests use NewTestTelemetry, which records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	restore := tt.InstallGlobal()
//	defer restore()
//	tt.AssertSpanExists(t, "worker.RunBatch")
package telemetry
