/*
Package log provides structured logging for Paddock built on zerolog.

All Paddock components log through this package. It owns the global logger,
level configuration, and the component-tagging convention that makes a single
process's output filterable per subsystem.

# Architecture

	┌──────────────────── LOGGING PIPELINE ─────────────────────┐
	│                                                             │
	│  Component code                                             │
	│    logger := log.WithComponent("fleet-monitor")             │
	│    logger.Info().Str("machine_id", id).Msg("probe ok")      │
	│                        │                                    │
	│                        ▼                                    │
	│  Global zerolog.Logger (level-gated)                        │
	│                        │                                    │
	│            ┌───────────┴───────────┐                        │
	│            ▼                       ▼                        │
	│     ConsoleWriter            JSON lines                     │
	│     (development)            (production)                   │
	└─────────────────────────────────────────────────────────────┘

# Usage

Initialize once at process start:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Derive component loggers for long-lived subsystems:

	logger := log.WithComponent("executor")
	logger.Debug().Str("machine_id", m.ID).Msg("dialing")

Entity-scoped helpers exist for the common correlation fields:

	log.WithMachineID(m.ID).Warn().Msg("probe timeout")

# Levels

debug, info, warn, error. The level is global; child loggers inherit it.
Console output is for interactive use, JSON for anything that ships logs.
*/
package log
