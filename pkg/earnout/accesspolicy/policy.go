// Package accesspolicy implements the whitelist that gates release of
// decryption keys for a deal's evidence files.
//
// A Policy is a set of principal identities. It can only be mutated by the
// holder of the Capability minted together with it by Create; the capability
// carries a reference to exactly one policy and is checked on every mutation.
// CheckPolicy is a pure predicate meant for an external key-release authority.
package accesspolicy

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// SchemaVersion is the current policy format. Key-release requests carry the
// version they were built against.
const SchemaVersion uint32 = 1

var (
	// ErrCapabilityMismatch indicates the capability is bound to a different policy
	ErrCapabilityMismatch = errors.New("capability does not belong to policy")

	// ErrNotHolder indicates the caller does not hold the capability
	ErrNotHolder = errors.New("caller does not hold the capability")

	// ErrSchemaVersionMismatch indicates a key-release request built for another policy format
	ErrSchemaVersionMismatch = errors.New("policy schema version mismatch")

	// ErrEmptyPrincipal indicates an empty principal identity
	ErrEmptyPrincipal = errors.New("principal must not be empty")
)

// Policy is a named set of authorized principals.
type Policy struct {
	ID            uuid.UUID
	SchemaVersion uint32
	members       map[string]struct{}
}

// Capability authorizes mutation of exactly one Policy. Its fields are
// unexported so that a capability can only come from Create (or from a
// storage backend restoring one it persisted).
type Capability struct {
	id       uuid.UUID
	policyID uuid.UUID
	holder   string
}

// Create mints a new empty policy and the capability bound to it. The
// capability has no holder until Transfer or Bind is called.
func Create() (*Capability, *Policy) {
	p := &Policy{
		ID:            uuid.New(),
		SchemaVersion: SchemaVersion,
		members:       make(map[string]struct{}),
	}
	c := &Capability{
		id:       uuid.New(),
		policyID: p.ID,
	}
	return c, p
}

// Restore rebuilds a persisted policy.
func Restore(id uuid.UUID, schemaVersion uint32, members []string) *Policy {
	p := &Policy{
		ID:            id,
		SchemaVersion: schemaVersion,
		members:       make(map[string]struct{}, len(members)),
	}
	for _, m := range members {
		p.members[m] = struct{}{}
	}
	return p
}

// RestoreCapability rebuilds a persisted capability. Only storage backends
// should call it.
func RestoreCapability(id, policyID uuid.UUID, holder string) *Capability {
	return &Capability{id: id, policyID: policyID, holder: holder}
}

// Add inserts principal into the policy. Adding a present principal is a no-op.
func (p *Policy) Add(c *Capability, principal string) error {
	if err := p.authorize(c); err != nil {
		return err
	}
	if principal == "" {
		return ErrEmptyPrincipal
	}
	p.members[principal] = struct{}{}
	return nil
}

// Remove deletes principal from the policy. Removing an absent principal is a no-op.
func (p *Policy) Remove(c *Capability, principal string) error {
	if err := p.authorize(c); err != nil {
		return err
	}
	delete(p.members, principal)
	return nil
}

func (p *Policy) authorize(c *Capability) error {
	if c == nil || c.policyID != p.ID {
		return ErrCapabilityMismatch
	}
	return nil
}

// Has reports whether principal is a member.
func (p *Policy) Has(principal string) bool {
	_, ok := p.members[principal]
	return ok
}

// Members returns the members in lexical order.
func (p *Policy) Members() []string {
	out := make([]string, 0, len(p.members))
	for m := range p.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of members.
func (p *Policy) Len() int {
	return len(p.members)
}

// Clone returns a deep copy of the policy.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	return Restore(p.ID, p.SchemaVersion, p.Members())
}

// ID returns the capability identity.
func (c *Capability) ID() uuid.UUID { return c.id }

// PolicyID returns the policy this capability may mutate.
func (c *Capability) PolicyID() uuid.UUID { return c.policyID }

// Holder returns the principal currently holding the capability.
func (c *Capability) Holder() string { return c.holder }

// Bind assigns the first holder of a freshly minted capability.
func (c *Capability) Bind(holder string) error {
	if holder == "" {
		return ErrEmptyPrincipal
	}
	if c.holder != "" {
		return fmt.Errorf("%w: capability already held by %s", ErrNotHolder, c.holder)
	}
	c.holder = holder
	return nil
}

// Transfer hands the capability from its current holder to another principal.
func (c *Capability) Transfer(from, to string) error {
	if c.holder != from {
		return ErrNotHolder
	}
	if to == "" {
		return ErrEmptyPrincipal
	}
	c.holder = to
	return nil
}

// Clone returns a copy of the capability.
func (c *Capability) Clone() *Capability {
	if c == nil {
		return nil
	}
	cc := *c
	return &cc
}

// KeyID builds a key identifier bound to the policy: the policy ID bytes
// followed by an arbitrary nonce.
func KeyID(policyID uuid.UUID, nonce []byte) []byte {
	out := make([]byte, 0, len(policyID)+len(nonce))
	out = append(out, policyID[:]...)
	return append(out, nonce...)
}

// CheckPolicy decides whether caller may obtain the key identified by keyID.
// The key must be namespaced under the policy's ID and the caller must be a
// member. A request built for a different schema version fails hard.
func CheckPolicy(caller string, keyID []byte, p *Policy, schemaVersion uint32) (bool, error) {
	if p == nil {
		return false, errors.New("policy is required")
	}
	if schemaVersion != p.SchemaVersion {
		return false, fmt.Errorf("%w: request v%d, policy v%d", ErrSchemaVersionMismatch, schemaVersion, p.SchemaVersion)
	}
	if !bytes.HasPrefix(keyID, p.ID[:]) {
		return false, nil
	}
	return p.Has(caller), nil
}
