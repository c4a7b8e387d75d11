package auth

import "context"

type signerKey struct{}

// WithPrincipal attaches the authenticated signer to ctx.
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	if principal == nil {
		return ctx
	}
	return context.WithValue(ctx, signerKey{}, principal.Address)
}

// SignerFromContext returns the signer recorded by WithPrincipal.
func SignerFromContext(ctx context.Context) ([20]byte, bool) {
	signer, ok := ctx.Value(signerKey{}).([20]byte)
	return signer, ok
}

// Gate answers "does the caller control addr" from the request context. The
// only address it accepts is the one recovered from the request signature.
type Gate struct{}

// HasAddress implements the escrow authenticator contract.
func (Gate) HasAddress(ctx context.Context, addr [20]byte) bool {
	signer, ok := SignerFromContext(ctx)
	return ok && signer == addr
}
