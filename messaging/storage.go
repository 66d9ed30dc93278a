package messaging

import "context"

type incomingHeadersKey struct{}

// WithIncomingHeaders returns a context carrying the headers of the message
// currently being processed. Producers read them to continue the causal
// chain (breadcrumbs, original message id) of outgoing messages.
func WithIncomingHeaders(ctx context.Context, headers Headers) context.Context {
	return context.WithValue(ctx, incomingHeadersKey{}, headers)
}

// IncomingHeaders returns the headers stored by WithIncomingHeaders
func IncomingHeaders(ctx context.Context) (Headers, bool) {
	headers, ok := ctx.Value(incomingHeadersKey{}).(Headers)
	return headers, ok && headers != nil
}
