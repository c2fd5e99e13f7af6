package signals

import (
	"context"
	"crypto/subtle"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	authorizationKey = "authorization"
	bearerPrefix     = "Bearer "
	healthPrefix     = "/grpc.health.v1.Health/"
)

// authInterceptor requires "authorization: Bearer <token>" metadata on every
// Signals call. With no token configured only loopback peers are served.
func (s *Server) authInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if strings.HasPrefix(info.FullMethod, healthPrefix) {
		return handler(ctx, req)
	}

	source := peerAddress(ctx)
	if s.token == "" {
		if isLoopbackPeer(ctx) {
			return handler(ctx, req)
		}
		s.logger.SecurityEvent(ctx, "signal_auth_rejected", source, "medium", map[string]interface{}{
			"method": info.FullMethod,
			"reason": "no admin token configured for non-loopback peer",
		})
		return nil, status.Error(codes.PermissionDenied, "signals are only accepted from loopback without an admin token")
	}

	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(authorizationKey); len(v) > 0 {
			token, _ = strings.CutPrefix(v[0], bearerPrefix)
		}
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		s.logger.SecurityEvent(ctx, "signal_auth_failed", source, "medium", map[string]interface{}{
			"method": info.FullMethod,
		})
		return nil, status.Error(codes.Unauthenticated, "missing or invalid admin token")
	}
	return handler(ctx, req)
}

func peerAddress(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

func isLoopbackPeer(ctx context.Context) bool {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return false
	}
	addr, ok := p.Addr.(*net.TCPAddr)
	return ok && addr.IP.IsLoopback()
}

// TokenCredentials attaches the admin token to every outgoing call.
type TokenCredentials struct {
	Token string
	// AllowInsecure permits sending the token over a plaintext connection.
	AllowInsecure bool
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c TokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	if c.Token == "" {
		return nil, nil
	}
	return map[string]string{authorizationKey: bearerPrefix + c.Token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c TokenCredentials) RequireTransportSecurity() bool {
	return !c.AllowInsecure
}
