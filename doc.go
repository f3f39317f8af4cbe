// Package siss implements a bounded synthetic image stream saver: a paced
// producer renders pseudo-random frames into a dropping queue while a small
// worker pool drains it, JPEG-encodes every frame, and persists the results
// through a pluggable sink (local disk, MinIO/S3, AWS S3, Azure Blob, or
// memory).
//
// # Running a pipeline
//
// A pipeline is single-use: construct it, Run it, inspect the Report.
//
//	cfg := siss.Config{
//	    Duration: 10 * time.Second,
//	    Rate:     30,
//	    Workers:  4,
//	    Output:   "output",
//	}
//	p, err := siss.NewPipeline(cfg, siss.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report, err := p.Run(ctx)
//
// Run prepares the sink (clearing any previous contents), paces the producer
// at Config.Rate frames per second for Config.Duration, and joins every
// worker before returning. Cancelling ctx aborts the run early; Run then
// returns the partial Report together with ctx.Err().
//
// # Backpressure
//
// The queue between producer and workers is bounded and never blocks the
// producer: at capacity the oldest queued frame is evicted and counted as
// dropped. Surviving frames keep FIFO order. Persist failures are logged
// and skipped; they never stop the run.
//
// # Sinks
//
// Config.Output selects the destination. Bare paths and disk:// URLs write
// JPEG files into a local directory. Object store URLs take the forms
// s3://host[:port]/bucket[/prefix], aws://bucket[/prefix]?region=... and
// azure://account/container[/prefix]; mem:// keeps everything in memory for
// tests. Every run ends by writing a manifest.json with the run counters
// next to the frames.
//
// # Observability
//
// Logging uses pslog throughout; pass one with WithLogger or run silent.
// Config.MetricsListen exposes a Prometheus scrape endpoint with the
// pipeline counters (plus Go runtime metrics when
// Config.EnableProfilingMetrics is set), Config.PprofListen serves
// debug/pprof, and Config.OTLPEndpoint exports traces of every sink
// operation via OTLP (grpc://, grpcs://, http:// or https://).
package siss
