package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// HealthMethods is the full-method prefix of the standard gRPC health service.
const HealthMethods = "/grpc.health.v1.Health/"

// APIKeyInterceptor returns a gRPC unary interceptor with the same rules as
// Middleware: the key is read from the metadata header named header (gRPC
// lowercases metadata keys) and calls whose full method name starts with one
// of the public prefixes skip the check.
func APIKeyInterceptor(mode, header, key string, public ...string) grpc.UnaryServerInterceptor {
	header = strings.ToLower(header)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !enabled(mode, key) || isPublic(info.FullMethod, public) {
			return handler(ctx, req)
		}
		if got := metadataValue(ctx, header); got == "" || !equal(got, key) {
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}
		return handler(ctx, req)
	}
}

func metadataValue(ctx context.Context, header string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(header); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func isPublic(path string, public []string) bool {
	for _, p := range public {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func enabled(mode, key string) bool { return mode == "apikey" && key != "" }

func equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
