/*
Package monitoring provides Prometheus metrics for the bridge host.

Each Metrics value owns a private registry, so several servers (or tests) can
coexist in one process.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "storage", "setItem")
	// ... dispatch ...
	timer.Stop("success")
*/
package monitoring
