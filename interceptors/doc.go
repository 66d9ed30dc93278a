// Package interceptors wraps message consumers with cross-cutting
// behavior: logging, handling deadlines, local retries and circuit
// breaking.
//
// Interceptors run in the order they were added, the first one outermost:
//
//	chain := interceptors.NewInterceptorChain(logger).
//	    Add(interceptors.NewLoggingInterceptor(logger)).
//	    Add(interceptors.NewTimeoutInterceptor(5 * time.Second))
//	listener.Subscribe("order.created", chain.Wrap(consumer))
package interceptors
