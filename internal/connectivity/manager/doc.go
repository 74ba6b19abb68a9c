// Package manager runs one connection client per stored connection.
//
// The Manager is the entry point for control commands coming from the
// REST API and the CLI. It keeps the client registry in step with the
// connection repository, routes the signals and acknowledgements the
// pipelines produce between connections, and records every state
// transition in the event log, the status stream and InfluxDB.
//
// Lifecycle:
//
//	m, err := manager.New(manager.ConfigFrom(cfg.Connectivity), manager.Deps{...})
//	if err := m.Start(ctx); err != nil { ... }   // restores stored connections
//	defer m.Stop(context.Background())
//
// Routing:
//
//   - A signal consumed by connection A is offered to the targets of
//     every other running connection. It is never published back to A.
//   - An acknowledgement issued by a target is handed to the connection
//     named in its connection-id header, which is where the request
//     originated.
package manager
