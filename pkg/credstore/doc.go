// Package credstore persists MFA credentials across a durable backend and a
// local cache so verification keeps working while the authoritative store is
// unreachable.
//
// The durable backend (Mongo or Postgres) is the source of truth for the
// enabled flag and the secret ciphertext. The cache backend (Redis or the
// in-process memory backend) is always nearby and possibly stale. The Store
// type encodes the policy between them:
//
//   - Write: durable first; on success the cache is refreshed and synced_at
//     stamped. When the durable side is unreachable the record lands in the
//     cache with pending_sync set and the caller is told to queue a replay —
//     degradation is reported, never hidden behind a swallowed error.
//   - Read: durable first, cache refreshed on the way out; on durable
//     failure the cache value is returned flagged stale.
//   - Conflict: the record with the newer mutation timestamp wins wholesale.
//     Credentials are atomic units; there is no field-by-field merge. Equal
//     timestamps resolve deterministically to the durable copy with a
//     logged warning.
//
// Backup-code consumption is the one operation that requires a true atomic
// primitive: every backend implements it as a compare-and-set (conditional
// UPDATE in Postgres, $elemMatch positional update in Mongo, WATCH
// transaction in Redis, flag flip under the lock in memory), because the two
// racing attempts may come from different processes on different devices.
package credstore
