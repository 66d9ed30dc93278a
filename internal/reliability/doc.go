// Package reliability holds the time and failure primitives the transport
// is built on: backoff policies for reconnects, the coarse ticket timer
// used for request timeouts, and a circuit breaker for consumers.
//
// Example usage:
//
//	timer := NewTicketTimer(WithResolution(time.Second))
//	defer timer.Dispose()
//
//	ticket := timer.Acquire(30*time.Second, func() {
//	    log.Println("no reply")
//	})
//	timer.Cancel(ticket)
package reliability
