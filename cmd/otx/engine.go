package main

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/wiesiekpap/opentxs-sub020/client/dispatch"
	"github.com/wiesiekpap/opentxs-sub020/core/store/kv"
	"github.com/wiesiekpap/opentxs-sub020/core/wallet"
	"github.com/wiesiekpap/opentxs-sub020/crypto/ed25519"
	"github.com/wiesiekpap/opentxs-sub020/internal/tracing"
	"github.com/wiesiekpap/opentxs-sub020/transport/otxgrpc"
	"golang.org/x/xerrors"
)

// engine is the client engine backed by the data directory.
type engine struct {
	db     kv.DB
	wallet *wallet.DiskWallet
	disp   *dispatch.Dispatcher
}

func newEngine(cfg config, logger zerolog.Logger) (*engine, error) {
	err := os.MkdirAll(cfg.DataDir, 0700)
	if err != nil {
		return nil, xerrors.Errorf("couldn't create data dir: %v", err)
	}

	db, err := kv.New(cfg.walletPath())
	if err != nil {
		return nil, xerrors.Errorf("couldn't open database: %v", err)
	}

	w, err := wallet.NewDiskWallet(db)
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("couldn't open wallet: %v", err)
	}

	keyring, err := dispatch.NewFileKeyring(cfg.keysPath())
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("couldn't open keyring: %v", err)
	}

	conn := dispatch.NewGRPCConnector(cfg.Notaries, otxgrpc.WithScheme(ed25519.NewScheme()))

	disp := dispatch.NewDispatcher(dispatch.Param{
		Config: cfg.Client,
		Wallet: w,
		Contexts: dispatch.ServerContexts{
			Keyring:        keyring,
			DB:             db,
			Sink:           w,
			AdminPasswords: cfg.AdminPasswords,
			RequestTimeout: cfg.Client.RequestTimeout,
		},
		Transports: conn,
		Logger:     logger,
	})

	e := &engine{
		db:     db,
		wallet: w,
		disp:   disp,
	}

	return e, nil
}

// Close stops the dispatcher and releases the database.
func (e *engine) Close() error {
	var result *multierror.Error

	err := e.disp.Shutdown()
	if err != nil {
		result = multierror.Append(result, xerrors.Errorf("couldn't shutdown: %v", err))
	}

	err = tracing.CloseAll()
	if err != nil {
		result = multierror.Append(result, err)
	}

	err = e.db.Close()
	if err != nil {
		result = multierror.Append(result, xerrors.Errorf("couldn't close database: %v", err))
	}

	return result.ErrorOrNil()
}
