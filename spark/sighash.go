package spark

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SighashFromTx computes the BIP-341 taproot key-path sighash (default
// sighash type) for the given input of tx, spending prevOut. Every
// spark signing job signs exactly this digest.
func SighashFromTx(tx *wire.MsgTx, inputIndex int, prevOut *wire.TxOut) ([32]byte, error) {
	var sighash [32]byte
	if inputIndex < 0 || inputIndex >= len(tx.TxIn) {
		return sighash, fmt.Errorf("input index %d out of range", inputIndex)
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(prevOut.PkScript, prevOut.Value)
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	digest, err := txscript.CalcTaprootSignatureHash(
		hashes, txscript.SigHashDefault, tx, inputIndex, fetcher,
	)
	if err != nil {
		return sighash, fmt.Errorf("taproot sighash: %w", err)
	}
	copy(sighash[:], digest)
	return sighash, nil
}
