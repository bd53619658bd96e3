package sigreg

import (
	"bytes"
	"sync"
)

// Signer identifies a signing party. Real key management is out of scope,
// identities are opaque strings (hex encoded public keys in practice).
type Signer string

// Signature is an id assigned by the registry. Ids start from 1 and grow
// monotonically, the zero value is never a valid signature.
type Signature uint64

type entry struct {
	signer  Signer
	message []byte
}

// Registry is an abstract signing oracle: an append-only log of
// (signer, message, signature) triples. Signing always succeeds and mints
// a fresh signature id. Nothing is ever removed, staleness of a signed
// statement is a protocol concept, not a cryptographic one.
type Registry struct {
	mx      sync.RWMutex
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Sign(signer Signer, message []byte) Signature {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.entries = append(r.entries, entry{
		signer:  signer,
		message: append([]byte{}, message...),
	})
	return Signature(len(r.entries))
}

func (r *Registry) Verify(signer Signer, message []byte, sig Signature) bool {
	r.mx.RLock()
	defer r.mx.RUnlock()

	if sig == 0 || int(sig) > len(r.entries) {
		return false
	}

	e := r.entries[sig-1]
	return e.signer == signer && bytes.Equal(e.message, message)
}

// Len returns the number of signatures issued so far.
func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()

	return len(r.entries)
}
