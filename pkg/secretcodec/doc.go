// Package secretcodec canonicalizes stored TOTP secrets into their Base32
// transport encoding.
//
// Historically the single most common MFA failure mode was a corrupted or
// tag-prefixed secret reaching the TOTP engine: scheme names baked into the
// secret string ("cbc:JBSW..."), lowercase values, stray whitespace, or
// non-alphabet characters from botched copy/paste repairs. Clean absorbs all
// of these on every read, so verification works against the canonical value
// regardless of which legacy writer produced the record.
package secretcodec
