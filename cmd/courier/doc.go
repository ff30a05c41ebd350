// Command courier runs the courier outbound request queue.
//
// Courier accepts analytics and profile requests from a host application,
// persists them per account and delivers them to the API with retries and
// backoff.
//
// Install:
//
//	go install github.com/nuetzliches/courier/cmd/courier@latest
//
// Usage:
//
//	courier run --config ./courier.yaml --stdin
package main
