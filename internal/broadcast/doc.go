// Package broadcast creates broadcasts, fans them out into per-target
// deliveries, and drives the delivery retry state machine.
//
// The orchestrator owns broadcast rows; the dispatcher exclusively owns
// delivery status transitions. Deliveries move pending -> sending ->
// {sent | pending(retry) | failed | cancelled}; the pending -> sending
// step is a single-row compare-and-set so two workers never double-send
// the same delivery.
package broadcast
