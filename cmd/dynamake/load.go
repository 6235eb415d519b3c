package main

import "dynamake/internal/engine"

// loadEngine constructs the engine from opts, the shared entry point for
// build, graph, why, and clean.
func loadEngine(opts engine.Options) (*engine.Engine, error) {
	return engine.New(opts)
}
