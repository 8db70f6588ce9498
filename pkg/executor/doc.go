// Package executor groups the pieces that connect regionctl to an external
// IaC executor:
//
//   - protocol: the JSON-lines stdio protocol (READY, CMD, EVENT, DONE,
//     ERROR, EXIT)
//   - client: ProcessExecutor, an engine.IaCExecutor that runs one executor
//     process per plan, apply or destroy
//   - local: a deterministic reference executor served by
//     cmd/regionctl-local-executor
package executor
