// Package compose orchestrates multi-service deployments on top of the
// container engine.
//
// A deployment is a named set of services with depends_on edges between
// them. Validation rejects unknown references and cycles before anything
// touches a host. Deploys walk the dependency graph one stratum at a time:
//
//	validate ──► ensure compose_<id> network per machine
//	                │
//	                ▼
//	      stratum 1 (parallel) ──► stratum 2 ──► ... ──► record persisted
//	                │ failure
//	                ▼
//	      reverse teardown of everything created, error propagated
//
// The deployment record reaches the database only once every service is
// running; a failed deploy leaves nothing behind. Teardown walks the strata
// in reverse and removes the network last. Updates validate the new config
// first, then tear down and redeploy under the same deployment ID.
package compose
