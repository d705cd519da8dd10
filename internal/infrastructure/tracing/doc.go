/*
Package tracing assigns request ids to host API calls and logs each request
once it completes.

# Usage

	tracer := tracing.New(logger.Named("http").Logger, 1000)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	// In a handler
	requestID := tracing.RequestID(c.Request.Context())

# Request ids

An incoming X-Request-ID header is kept; otherwise a ULID with the req_
prefix is minted. Either way it is echoed on the response and stored on the
request context.

# Logging

Completed spans are handed to a buffered collector goroutine. Server errors
log at error level, rejections at info and everything else at debug. When
the buffer is full the span is dropped with a warning.
*/
package tracing
