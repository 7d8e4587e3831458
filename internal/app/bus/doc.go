// Package bus is the single multiplexed message-bus client.
//
// A Manager owns exactly one core.Transport and layers on top of it:
//   - connection lifecycle with bounded exponential-backoff reconnect
//   - a subscription registry (topic -> handlers, one physical
//     subscription per topic, replayed after every reconnect)
//   - an outbound publisher with a bounded offline queue
//
// Feature code only talks to Subscribe, Unsubscribe, Publish and Status.
// Handlers and state listeners are always invoked without internal locks
// held, so they may call back into the Manager.
package bus
