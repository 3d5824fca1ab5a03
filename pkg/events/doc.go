/*
Package events provides an in-memory event broker for Paddock's pub/sub
messaging.

Lifecycle changes (machine status flips, deployments, fired alerts,
notification outcomes) are published here and fanned out to subscribers.
The API layer bridges the broker to operators as a server-sent event stream;
internal consumers subscribe directly.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  Publisher → Event Channel (buffer: 100)                   │
	│       ↓                                                    │
	│  Broadcast Loop                                            │
	│       ↓                                                    │
	│  Subscriber Channels (buffer: 50 each)                     │
	│                                                            │
	│  Delivery is best-effort: a subscriber with a full buffer  │
	│  misses the event rather than blocking the broadcaster.    │
	└────────────────────────────────────────────────────────────┘

# Event Types

	machine.registered / machine.updated / machine.removed / machine.status
	container.deployed / container.started / container.stopped / container.removed
	deployment.created / deployment.updated / deployment.removed
	alert.fired / alert.acknowledged / alert.resolved
	notification.sent / notification.failed

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(events.New(events.EventAlertFired, "high-cpu on web-1",
		map[string]string{"alert_id": a.ID, "machine_id": m.ID}))

	for ev := range sub {
		// render or forward
	}
*/
package events
