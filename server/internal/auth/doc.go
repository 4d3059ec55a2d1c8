// Package auth provides API key authentication for nestlog-server.
//
// APIKeyInterceptor(mode, header, key, public...) returns a gRPC
// UnaryServerInterceptor that validates the API key from the named gRPC
// metadata header. Passing HealthMethods keeps health probes open.
// Middleware(mode, header, key, public...) applies the same check to the REST
// API and the websocket stream.
//
// When mode != "apikey" or key == "", all calls pass through (useful for local
// development with auth disabled). When the key is incorrect or absent,
// gRPC calls fail with codes.Unauthenticated and HTTP requests with 401.
package auth
