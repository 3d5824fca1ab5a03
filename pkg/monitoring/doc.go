/*
Package monitoring evaluates alert rules against stored metrics and delivers
alert notifications.

# Architecture

	┌──────────────────── MONITORING ────────────────────────────┐
	│                                                              │
	│  Evaluator (one loop, rules checked sequentially)            │
	│   every interval: for each enabled rule, for each series     │
	│   with a fresh latest sample matching the rule selector:     │
	│     duration==0 → compare the latest value                   │
	│     duration>0  → every 1m sample in the window must hold    │
	│   firing, no active alert for (rule, series) → ACTIVE alert  │
	│   + event + one notification per rule channel                │
	│   firing, active alert exists → refresh value/last-seen      │
	│                                                              │
	│  Notifier (single delivery worker)                           │
	│   alert_notifications list ── pop ──▶ channel sender         │
	│        ▲                                │ failure            │
	│        │ due                            ▼                    │
	│   alert_notifications_retry zset ◀── backoff 1s/5s/30s/5m    │
	│   10 attempts → FAILED; success → SENT (at-least-once)       │
	└──────────────────────────────────────────────────────────────┘

An alert whose condition clears stays ACTIVE until an operator acknowledges
or resolves it; evaluation never resolves alerts on its own. The dedup index
alert_active:<rule>:<labels> guarantees at most one non-resolved alert per
(rule, series) pair.

Delivery is at-least-once: a crash between a successful send and the status
write replays the notification on restart.
*/
package monitoring
