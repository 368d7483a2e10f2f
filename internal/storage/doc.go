// Package storage provides the persistence layer for the delivery engine.
//
// It currently supports:
//   - Community, member and membership rows (recipient resolution)
//   - Broadcast and delivery rows (fan-out + retry state machine)
//   - Role rows (authorization)
//   - Append-only audit log
//
// Every mutation performed on behalf of an actor takes its AuditEntry and
// commits entry + mutation in one transaction: if the audit insert fails,
// the mutation fails with it. Delivery status transitions are single
// conditional updates so concurrent workers can never double-claim a row.
package storage
