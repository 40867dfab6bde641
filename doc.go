/*
Package debrsync is a tool for reconciling a local mirror of Debian/APT
package archives against their upstream state.

debrsync provides crash-safe, atomic mirroring of APT repositories with:
  - Timestamp-based incremental updates, with optional by-hash fetching
  - A staging (Skel) tree published onto the live mirror only once complete
  - Crash recovery via per-worker download markers and an advisory app lock
  - Garbage collection of files no longer referenced by any index
  - Concurrent downloads with a bounded worker pool and rate limiting

The main packages are:

	github.com/debrsync/debrsync/internal/apt     - APT repository format parsing and decompression
	github.com/debrsync/debrsync/internal/mirror  - Core reconciliation logic: planner, repository, pool, orchestrator
	github.com/debrsync/debrsync/cmd/debrsync     - Command-line interface
*/
package debrsync
