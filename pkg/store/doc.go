/*
Package store provides Paddock's persistence layer: postgres for durable
configuration, redis for runtime state.

# Architecture

	┌─────────────────────── PERSISTENCE ───────────────────────────┐
	│                                                                 │
	│  POSTGRES (source of truth)          REDIS (runtime state)     │
	│  ┌──────────────────────┐            ┌──────────────────────┐ │
	│  │ machines             │            │ machine:<id>         │ │
	│  │  - ssh coordinates   │  mirrored  │   status snapshot    │ │
	│  │  - encrypted key     │──────────▶ │ metric:<id>          │ │
	│  │  - status            │            │   latest probe, 24h  │ │
	│  │ deployments          │            │ container:<id>       │ │
	│  │  - compose config    │            │ compose_deployment:  │ │
	│  │  - status            │            │   runtime mirror     │ │
	│  └──────────────────────┘            │ alert_rule:<id>      │ │
	│                                      │ alert:<id>           │ │
	│  Unique names enforced by            │ alert_active:<r>:<l> │ │
	│  constraints; violations map         │ notification:<id> 30d│ │
	│  to NAME_CONFLICT.                   │ alert_notifications  │ │
	│                                      │   (list) + _retry    │ │
	│                                      │   (zset by due time) │ │
	│                                      └──────────────────────┘ │
	└─────────────────────────────────────────────────────────────────┘

SQLStore implements the Relational interface with sqlx over lib/pq; rows map
through small row structs so domain types stay free of db tags. EnsureSchema
runs idempotent DDL at startup.

RedisStore keys follow the layout above. Entity reads return NOT_FOUND coded
errors on missing keys; queue reads return empty values instead, an idle
queue is not an error.

The notification queue is a FIFO list of notification IDs. Failed deliveries
park in the retry zset scored by their next attempt time; DueRetries pops
everything due so the notifier can re-enqueue.

LabelKey renders label sets canonically ({a=1,b=2}, keys sorted) for the
alert dedup index.

# Testing

SQLStore is tested with go-sqlmock, RedisStore against miniredis, including
TTL behavior via clock fast-forward.
*/
package store
