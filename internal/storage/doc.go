// Package storage persists herald's state:
//   - per-tenant campaigns (message, interval, destinations, enabled, stats)
//   - the destination directory with reachability flags
//   - the payment/authorization ledger
//
// Two durable drivers share one interface: sqlite (default) and a JSON
// document file. A volatile memory driver backs tests and dry runs.
package storage
