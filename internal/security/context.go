package security

import "context"

func contextWithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, AuthInfoKey, info)
}

// AuthInfoFromContext returns the caller identity recorded by the auth
// middleware, or nil when the request was not authenticated.
func AuthInfoFromContext(ctx context.Context) *AuthInfo {
	info, _ := ctx.Value(AuthInfoKey).(*AuthInfo)
	return info
}
