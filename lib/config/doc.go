// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the relay configuration.
//
// Configuration comes from a single file named by the --config flag or
// the FRAMERELAY_CONFIG environment variable, layered over Default().
// Files ending in .json or .jsonc are read as JSON with comments and
// trailing commas allowed; anything else is read as YAML. Command-line
// flags are applied on top by the caller.
//
// The only expansion performed is ${VAR} and ${VAR:-default} in the
// shared-memory path, so one file can serve several VMs:
//
//	shared_memory:
//	  path: /dev/shm/${VM_NAME:-looking-glass}
package config
