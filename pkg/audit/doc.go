// Package audit records security-relevant MFA events for an external audit
// collaborator.
//
// Every state-changing operation in the MFA core (setup, confirmation,
// verification outcomes, backup-code consumption, disable, forced sync,
// migration repairs, emergency recovery) emits an event carrying the user ID
// and timestamp. Events never contain secrets or submitted code values.
//
// Storage is an interface: MemoryStorage serves tests and embedded use,
// SlogStorage ships events into a structured log pipeline, and deployments
// with a dedicated audit store implement Storage against it.
package audit
