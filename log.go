package sparksdk

import (
	"github.com/btcsuite/btclog"

	"github.com/flarewallet/sparksdk/operator"
	"github.com/flarewallet/sparksdk/poolmath"
	"github.com/flarewallet/sparksdk/signer"
	"github.com/flarewallet/sparksdk/spark"
	"github.com/flarewallet/sparksdk/ssp"
	"github.com/flarewallet/sparksdk/wallet"
)

// log is a logger that is initialized with no output filters. This means
// the package will not perform any logging by default until the caller
// requests it.
var log btclog.Logger

func init() {
	DisableLog()
}

// DisableLog disables all library log output.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info and
// fans the same logger out to every subsystem.
func UseLogger(logger btclog.Logger) {
	log = logger
	spark.UseLogger(logger)
	signer.UseLogger(logger)
	operator.UseLogger(logger)
	wallet.UseLogger(logger)
	ssp.UseLogger(logger)
	poolmath.UseLogger(logger)
}
