// Package waitqueue persists the operations parked while their repository
// locks are held. Single-repository keys and composite keys share one
// document; a composite waiter becomes eligible only when every repository it
// names is free. Eligibility across queues is FIFO by queued-at.
package waitqueue
