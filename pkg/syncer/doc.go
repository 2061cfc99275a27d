// Package syncer reconciles the durable and cache backends after a
// connectivity gap.
//
// Every user has a sync state (synced, disconnected, reconciling,
// conflict_detected) moved only along an explicit transition graph. Writes
// that degraded to the cache join a FIFO queue; Reconnect drains it with
// exponential backoff, resolving conflicts newest-mutation-wins. A write
// that cannot be delivered after the attempt limit is flagged sync_failed on
// the cached record and reported via ErrSyncFailed so operators can act on
// it.
//
// ForceSync is the administrative escape hatch: it pushes the durable record
// down to the cache unconditionally, clears pending flags, and drops
// anything still queued for that user.
package syncer
