// Package scheduler dispatches queued jobs FIFO: it acquires repository
// locks (single or composite, all-or-nothing), launches adaptor children,
// parks lock-conflicted jobs in the waiting queues, and on completion
// settles statistics, callbacks, catalog generations, and waiter wakeups.
package scheduler
