// Package opentxs is the root of the Open-Transactions client engine. It holds
// the process-wide logger and the list of prometheus collectors that the
// packages register at init time.
package opentxs

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logout = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// Logger is a globally available logger instance.
var Logger = zerolog.New(logout).
	With().Timestamp().Logger().
	With().Caller().Logger().
	Level(zerolog.InfoLevel)

// PromCollectors exposes the prometheus collectors of the engine. Packages
// append to it from their init function and the application decides where to
// register them.
var PromCollectors []prometheus.Collector
