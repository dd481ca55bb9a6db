// Package earnout provides the settlement ledger for multi-party M&A earn-out
// agreements.
//
// A buyer creates a Deal naming a seller and an auditor, locks its financial
// parameters once, and registers evidence documents per sub-period. Each
// document gets an AuditRecord that only the deal's auditor can sign off,
// exactly once. Settlement pays the seller the agreed maximum when an attested
// KPI reaches the threshold, and is possible exactly once, after every record
// of the deal has been audited.
//
// The package exposes a single Service interface. Persistence is pluggable
// through Repository (memory and Postgres implementations live under repo/),
// signature and attestation checks through SignatureVerifier and
// AttestationVerifier, and fund movement through Disburser. Every mutating
// operation runs as one all-or-nothing transition against one deal; a failed
// call leaves the deal unchanged.
//
// Evidence bytes never pass through this package. Documents are referenced by
// an opaque content identifier, and key release for the encrypted files is
// decided by the deal's access policy (see the accesspolicy subpackage).
package earnout
