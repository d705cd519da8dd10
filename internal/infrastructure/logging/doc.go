// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output at debug level
//
// Component loggers come from Named. Every logger derived from one root
// shares its level, which can be changed at runtime through SetLevel or
// over HTTP with LevelHandler:
//
//	curl -X PUT localhost:8000/log/level -d '{"level":"debug"}'
//
// Example Usage:
//
//	logger, err := logging.New(logging.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	bridge := logger.Named("bridge")
//	bridge.Info("Session opened", zap.String("app_id", appID))
package logging
