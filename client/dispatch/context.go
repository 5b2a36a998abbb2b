package dispatch

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wiesiekpap/opentxs-sub020/core/consensus"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/core/store/kv"
	"github.com/wiesiekpap/opentxs-sub020/transport"
	"golang.org/x/xerrors"
)

// ServerContexts creates persistent server contexts. The signer of each nym
// comes from the keyring and the contexts share the same database.
//
// - implements dispatch.ContextFactory
type ServerContexts struct {
	Keyring Keyring
	DB      kv.DB
	Sink    consensus.NoticeSink
	// AdminPasswords lists the admin password to present to each notary.
	AdminPasswords map[identifier.Notary]string
	RequestTimeout time.Duration
	Clock          clockwork.Clock
}

// Context implements dispatch.ContextFactory.
func (f ServerContexts) Context(pair identifier.Pair, tr transport.Transport) (consensus.Context, error) {
	if f.Keyring == nil {
		return nil, xerrors.New("keyring is missing")
	}

	signer, err := f.Keyring.Signer(pair.Nym)
	if err != nil {
		return nil, xerrors.Errorf("couldn't get signer: %v", err)
	}

	sc, err := consensus.NewServerContext(consensus.ContextParam{
		Pair:           pair,
		Signer:         signer,
		Transport:      tr,
		Sink:           f.Sink,
		DB:             f.DB,
		Clock:          f.Clock,
		RequestTimeout: f.RequestTimeout,
		AdminPassword:  f.AdminPasswords[pair.Notary],
	})
	if err != nil {
		return nil, xerrors.Errorf("couldn't restore context: %v", err)
	}

	return sc, nil
}
