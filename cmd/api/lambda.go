package main

import (
	"context"
	"maps"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
)

// requestIDHeader is read by core.RequestIDMiddleware.
const requestIDHeader = "X-Request-Id"

// lambdaHandler serves API Gateway v2 (and Lambda Function URL) events
// through an http.Handler.
type lambdaHandler func(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error)

// flusher is implemented by the metrics recorder. The runtime freezes the
// process between invocations, so buffered telemetry is sent before each
// response is returned.
type flusher interface {
	Flush(ctx context.Context)
}

// newLambdaHandler adapts h to API Gateway v2 events. f may be nil.
func newLambdaHandler(h http.Handler, f flusher) lambdaHandler {
	adapter := httpadapter.NewV2(h)
	return func(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		resp, err := adapter.ProxyWithContext(ctx, withGatewayRequestID(req))
		if f != nil {
			f.Flush(ctx)
		}
		return resp, err
	}
}

// withGatewayRequestID forwards the gateway request id as X-Request-Id unless
// the caller already sent one, so logs correlate with API Gateway logs.
func withGatewayRequestID(req events.APIGatewayV2HTTPRequest) events.APIGatewayV2HTTPRequest {
	id := req.RequestContext.RequestID
	if id == "" {
		return req
	}
	for k := range req.Headers {
		if strings.EqualFold(k, requestIDHeader) {
			return req
		}
	}
	headers := make(map[string]string, len(req.Headers)+1)
	maps.Copy(headers, req.Headers)
	headers[strings.ToLower(requestIDHeader)] = id
	req.Headers = headers
	return req
}
