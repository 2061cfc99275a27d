// Package credential defines the persisted MFA credential record shared by
// the storage backends, the sync coordinator, and the migration service.
//
// The package holds only data types and pure helpers; all persistence policy
// lives in pkg/credstore and all verification logic in pkg/otp and
// pkg/backupcode.
package credential
