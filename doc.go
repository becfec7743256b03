// Package ensemble coordinates fleets of bounded, LLM-driven reasoning loops
// that execute multi-step decision workflows. A meta-agent orchestrator
// decides which capability agents to run each round; every agent runs its own
// bounded reason/act/observe cycle against governed model and tool gateways.
//
// The package tree follows three rules. Everything an agent does is gated by
// governance before it happens (agent invocation access, tool access, and
// resource ceilings, all deny-by-default). Every model call receives its
// input from the context compiler, which assembles a token-budgeted,
// role-attributed prompt from session state. And every component writes to
// the session event log, an append-only, gaplessly ordered record that is the
// source of truth for replay and audit.
//
// Subpackages:
//
//   - registry: read-only snapshot of agent, tool, model and workflow
//     definitions loaded once per session
//   - runtime/orchestrator, runtime/worker: the two loop tiers
//   - runtime/governance: policy decisions and session resource ledgers
//   - runtime/compiler: the context compilation pipeline
//   - runtime/eventlog, runtime/session: audit log and session state
//   - runtime/checkpoint: human-in-the-loop pause points
//   - features/...: production backends (model providers, Mongo stores,
//     Redis caches, Pulse streaming)
//
// The root package holds the shared identifier types used across the tree.
package ensemble
