// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry-based observability for the
// simulation host.
//
// Init installs the global TracerProvider and MeterProvider. Packages use
// otel.Tracer and otel.Meter directly; exporters are chosen by configuration.
//
// # Metrics Backend (default: Prometheus)
//
// Metrics are exposed through MetricsHandler, which the diagnostics server
// mounts at /metrics. Stdout is available for local debugging.
//
// # Trace Backend (default: none)
//
// The host ticks at 20 Hz and traces every pipeline frame, so tracing is off
// unless an exporter is selected. OTLP (gRPC) and stdout are supported.
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - SIMHOST_ENV: environment name (default: development)
//
// # Thread Safety
//
// Init must be called once at startup. Everything else is safe for concurrent use.
package telemetry
