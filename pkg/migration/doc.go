// Package migration upgrades credential records left behind by older
// storage formats.
//
// Scan classifies what is wrong (legacy format, unrecoverable secret,
// duplicate active records); Repair fixes one user at a time, re-encrypting
// recoverable secrets under the current scheme and archiving duplicate
// records in favor of the earliest-created enabled one. Unrecoverable
// secrets disable the credential and signal that the user must re-enroll;
// nothing is ever deleted.
package migration
