/*
Package executor provides Paddock's SSH layer: pooled connections to managed
machines, remote command execution with timeouts, file upload, and the host
health probe.

# Architecture

	┌──────────────────── SSH EXECUTOR ──────────────────────────┐
	│                                                              │
	│  Execute / Upload / Probe                                    │
	│       ↓                                                      │
	│  Connection Pool (one *ssh.Client per machine)               │
	│   - lazy dial under a per-machine lock                       │
	│   - session semaphore (default 8 per machine)                │
	│   - dead clients evicted and re-dialed once                  │
	│       ↓                                                      │
	│  Host Key Pins (bbolt)                                       │
	│   - first connection pins the public key                     │
	│   - later mismatch → HOSTKEY_MISMATCH, no fallback           │
	│       ↓                                                      │
	│  Key Vault                                                   │
	│   - private keys decrypted per dial, zeroed after parse      │
	└──────────────────────────────────────────────────────────────┘

Commands run in one SSH session each. A non-zero exit status is data, not an
error: the CommandResult carries the exit code and both output streams.
Errors are reserved for transport failures (SSH_CONNECT_FAILED,
HOSTKEY_MISMATCH) and deadline kills (SSH_COMMAND_TIMEOUT, which force-closes
the session so nothing lingers on the remote side).

The probe runs a fixed shell script whose first line is the CPU percentage,
second line "used,total" memory in MiB, and remaining lines key:value pairs
(disk, network counters, load, docker state). Parsing tolerates missing
extension lines but not a malformed header.
*/
package executor
