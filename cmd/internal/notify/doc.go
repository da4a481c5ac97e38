// Package notify implements Parley's post-commit notification fan-out.
//
// Fan-out is best-effort by contract: it runs strictly after the mutation
// transaction commits, never blocks the pipeline, and drops deliveries under
// backpressure rather than stalling a conversation.
package notify
