// Package types defines the data structures shared by the grid agent and the
// grid it registers with.
//
// This package contains:
//   - Token and Interest definitions published to the grid
//   - Agent identity and registration messages
//   - Call request/result messages exchanged with the scheduler
//   - Sentinel errors used across the agent
package types
