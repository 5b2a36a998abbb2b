// Package identifier defines the identifiers of the objects the client engine
// manipulates: nyms, notaries, accounts and unit definitions.
//
// Identifiers are opaque strings produced by the wallet. The engine only
// compares them and uses them as keys.
package identifier

import "fmt"

// Nym is the identifier of a cryptographic identity.
type Nym string

// Notary is the identifier of a notary server.
type Notary string

// Account is the identifier of an asset account held on a notary.
type Account string

// Unit is the identifier of a unit definition (instrument definition).
type Unit string

// Empty returns true if the identifier is not set.
func (id Nym) Empty() bool { return id == "" }

// Empty returns true if the identifier is not set.
func (id Notary) Empty() bool { return id == "" }

// Empty returns true if the identifier is not set.
func (id Account) Empty() bool { return id == "" }

// Empty returns true if the identifier is not set.
func (id Unit) Empty() bool { return id == "" }

// Pair identifies the relationship between a nym and a notary. There is
// exactly one consensus context and one executor per pair.
type Pair struct {
	Nym    Nym
	Notary Notary
}

// NewPair returns the pair of the nym and the notary.
func NewPair(nym Nym, notary Notary) Pair {
	return Pair{Nym: nym, Notary: notary}
}

// Valid returns true if both sides of the pair are set.
func (p Pair) Valid() bool {
	return !p.Nym.Empty() && !p.Notary.Empty()
}

// String implements fmt.Stringer. It returns a compact representation of the
// pair.
func (p Pair) String() string {
	return fmt.Sprintf("%s@%s", short(string(p.Nym)), short(string(p.Notary)))
}

// Key returns the bytes used to store objects that belong to the pair.
func (p Pair) Key() []byte {
	return []byte(string(p.Nym) + "/" + string(p.Notary))
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}
