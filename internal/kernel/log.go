package kernel

import "go.uber.org/zap"

// NewLogger builds the production zap logger. Every component takes a
// *zap.Logger via constructor injection rather than reaching for a package
// global, so tests can pass zap.NewNop().
func NewLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

// NewNopLogger is a convenience for tests that don't care about log output.
func NewNopLogger() *zap.Logger {
	return zap.NewNop()
}
