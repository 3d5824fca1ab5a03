/*
Package docker runs containers on managed machines by driving the docker CLI
over SSH. There is no agent on the hosts; every operation is a remote
command whose output is parsed here.

# Architecture

	┌──────────────────── CONTAINER ENGINE ───────────────────────┐
	│                                                               │
	│  Deploy / Start / Stop / Restart / Remove                     │
	│  Logs / Exec / Inspect / Stats / Reconcile                    │
	│       ↓ build argv (shellquote) ──▶ executor ──▶ docker CLI   │
	│       ↓ parse '{{json .}}' output                             │
	│  container records in redis, container_* samples in tsdb      │
	│                                                               │
	│  Stats samplers (one goroutine per RUNNING container)         │
	│   - docker stats --no-stream every stats interval             │
	│   - sync loop reconciles samplers against records             │
	│   - start/stop/remove adjust samplers immediately             │
	└───────────────────────────────────────────────────────────────┘

Failures funnel through stderr classification: a daemon that does not answer
is DOCKER_UNREACHABLE (and kicks one out-of-band machine probe), a failed
pull is IMAGE_PULL_FAILED, a taken container name is NAME_CONFLICT. A
container exiting non-zero is state, not an error.

Start and Stop are idempotent against the tracked state: starting a running
container or stopping a stopped one succeeds without touching the machine.

Machine lookups are cached briefly; machine update and remove events
invalidate the cache, and a removed machine drops its container records and
samplers.
*/
package docker
