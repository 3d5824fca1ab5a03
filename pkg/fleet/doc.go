/*
Package fleet manages the machine inventory: registration, lifecycle state,
probing, and remote command fan-out.

# Architecture

	┌───────────────────── FLEET ────────────────────────────────┐
	│                                                              │
	│  Registry                                                    │
	│   Register / Update / Delete / SetMaintenance                │
	│   ProbeNow / Provision / RunCommand / FanOut                 │
	│       ↓ writes                                               │
	│   postgres (source of truth) + redis snapshot mirror         │
	│                                                              │
	│  Monitor (single loop)                                       │
	│   every interval: probe all non-maintenance machines,        │
	│   bounded concurrency, tick waits for all probes so each     │
	│   machine is probed strictly sequentially                    │
	│       ↓ per probe                                            │
	│   host_* samples → tsdb, latest snapshot → redis,            │
	│   state transition → event + machine_state_changed counter   │
	└──────────────────────────────────────────────────────────────┘

# Machine lifecycle

	INITIALIZING ──probe ok──▶ ACTIVE ◀──probe ok── INACTIVE / ERROR
	INITIALIZING ──any fail──▶ ERROR
	ACTIVE ──transport fail──▶ INACTIVE
	ACTIVE ──probe ran, bad output/exit──▶ ERROR
	any ──operator──▶ MAINTENANCE (probing suspended)
	MAINTENANCE ──operator──▶ INITIALIZING (probe re-verifies)

INACTIVE means the host stopped answering; ERROR means it answered but the
probe could not run or parse. The distinction drives different operator
responses (network vs host fault), so transport failures never overwrite an
ERROR state and machine faults always win.

Registration verifies the private key parses before anything is stored. The
first probe runs asynchronously; Close waits for in-flight ones.
*/
package fleet
