// Package main implements otx, the command line of the client engine. Every
// command starts the engine on the data directory, runs one task to
// completion and stops. The run command keeps the engine alive and exposes its
// metrics until it is interrupted.
//
//	otx --config otx.yml nym register --nym alice --notary ot2notary
//	otx --config otx.yml account transfer --nym alice --account acct1 \
//	  --to acct2 --amount 10
//	otx --config otx.yml run --nym alice
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// appConfig is the environment of the application.
type appConfig struct {
	Out     io.Writer
	Signals <-chan os.Signal
}

func main() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	err := run(os.Args, appConfig{Out: os.Stdout, Signals: sigs})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func run(args []string, cfg appConfig) error {
	return newApp(cfg).build().Run(args)
}
