// Package bolt11 decodes and encodes BOLT-11 lightning invoices: the
// fields the payment path consumes (amount, payment hash, payment
// secret, description, expiry, final CLTV delta, route hints), plus the
// spark route hint the service provider embeds to advertise that the
// payee is reachable as a spark transfer.
package bolt11

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/flarewallet/sparksdk/spark"
)

const (
	// mSatPerBtc is the number of millisatoshis in 1 BTC.
	mSatPerBtc = 100000000000

	// signatureBase32Len is the number of 5-bit groups needed to encode
	// the 512-bit signature plus the 8-bit recovery ID.
	signatureBase32Len = 104

	// timestampBase32Len is the number of 5-bit groups needed to encode
	// the 35-bit timestamp.
	timestampBase32Len = 7

	// hashBase32Len is the number of 5-bit groups needed to encode a
	// 256-bit hash, the last group zero-padded.
	hashBase32Len = 52

	// pubKeyBase32Len is the number of 5-bit groups needed to encode a
	// 33-byte compressed pubkey, the last group zero-padded.
	pubKeyBase32Len = 53

	// hopHintLen is the number of bytes of one routing hop hint:
	// pubkey (33) + short channel id (8) + base fee (4) +
	// proportional fee (4) + cltv delta (2).
	hopHintLen = 51

	// The following values are the 5-bit field type identifiers of the
	// tagged fields this decoder understands.

	// fieldTypeP is the payment hash.
	fieldTypeP = 1

	// fieldTypeS is the payment secret.
	fieldTypeS = 16

	// fieldTypeD is the short description.
	fieldTypeD = 13

	// fieldTypeN is the payee node pubkey.
	fieldTypeN = 19

	// fieldTypeH is the description hash.
	fieldTypeH = 23

	// fieldTypeX is the invoice expiry in seconds.
	fieldTypeX = 6

	// fieldTypeR is a routing hint.
	fieldTypeR = 3

	// fieldTypeC is the requested final CLTV delta.
	fieldTypeC = 24

	// DefaultExpiry is the expiry assumed when the invoice carries no
	// 'x' field.
	DefaultExpiry = time.Hour

	// DefaultMinFinalCLTVExpiry is the final CLTV delta assumed when
	// the invoice carries no 'c' field.
	DefaultMinFinalCLTVExpiry = 18
)

// SparkHintChannelID is the short channel id the service provider uses
// in a routing hint to mark the payee as directly reachable through a
// spark transfer to the hint's node key.
const SparkHintChannelID uint64 = 0

var (
	// ErrInvalidInvoice is returned on any structural decode failure.
	ErrInvalidInvoice = errors.New("bolt11: invalid invoice")
)

// HopHint is one hop of a routing hint.
type HopHint struct {
	// NodeID is the node at the start of the hinted channel.
	NodeID *btcec.PublicKey

	// ChannelID is the hinted short channel id.
	ChannelID uint64

	// FeeBaseMSat is the channel's base fee.
	FeeBaseMSat uint32

	// FeeProportionalMillionths is the channel's proportional fee.
	FeeProportionalMillionths uint32

	// CLTVExpiryDelta is the channel's cltv delta.
	CLTVExpiryDelta uint16
}

// RouteHint is an ordered list of hops leading to the payee.
type RouteHint struct {
	Hops []HopHint
}

// Invoice is a decoded BOLT-11 invoice.
type Invoice struct {
	// Net is the network the invoice belongs to.
	Net *chaincfg.Params

	// MilliSat is the invoice amount in millisatoshis, nil for
	// amount-less invoices.
	MilliSat *uint64

	// Timestamp is the invoice creation time.
	Timestamp time.Time

	// PaymentHash locks the payment's HTLCs.
	PaymentHash *[32]byte

	// PaymentSecret authenticates the payer to the payee.
	PaymentSecret *[32]byte

	// Destination is the payee node key, recovered from the signature
	// when no 'n' field is present.
	Destination *btcec.PublicKey

	// Description is the short payment description. Non-nil iff
	// DescriptionHash is nil.
	Description *string

	// DescriptionHash commits to an out-of-band description.
	DescriptionHash *[32]byte

	// RouteHints are the invoice's routing hints.
	RouteHints []RouteHint

	expiry             *time.Duration
	minFinalCLTVExpiry *uint64
}

// Expiry returns the invoice expiry, defaulting when unset.
func (invoice *Invoice) Expiry() time.Duration {
	if invoice.expiry != nil {
		return *invoice.expiry
	}
	return DefaultExpiry
}

// IsExpired reports whether the invoice has expired as of now.
func (invoice *Invoice) IsExpired(now time.Time) bool {
	return now.After(invoice.Timestamp.Add(invoice.Expiry()))
}

// MinFinalCLTVExpiry returns the requested final CLTV delta, defaulting
// when unset.
func (invoice *Invoice) MinFinalCLTVExpiry() uint64 {
	if invoice.minFinalCLTVExpiry != nil {
		return *invoice.minFinalCLTVExpiry
	}
	return DefaultMinFinalCLTVExpiry
}

// AmountMilliSat returns the invoice amount, or false for amount-less
// invoices.
func (invoice *Invoice) AmountMilliSat() (uint64, bool) {
	if invoice.MilliSat == nil {
		return 0, false
	}
	return *invoice.MilliSat, true
}

// SparkRouteHint returns the spark identity embedded in a spark routing
// hint, or nil when the invoice carries none. A payer that also speaks
// spark can settle the invoice as a fee-less spark transfer to that
// identity.
func (invoice *Invoice) SparkRouteHint() *btcec.PublicKey {
	for _, hint := range invoice.RouteHints {
		for _, hop := range hint.Hops {
			if hop.ChannelID == SparkHintChannelID {
				return hop.NodeID
			}
		}
	}
	return nil
}

// hrpPrefix maps a network to its invoice prefix.
func hrpPrefix(net *chaincfg.Params) (string, error) {
	switch net.Name {
	case chaincfg.MainNetParams.Name:
		return "lnbc", nil
	case chaincfg.RegressionNetParams.Name:
		return "lnbcrt", nil
	}
	return "", fmt.Errorf("%w: unsupported network %s", ErrInvalidInvoice, net.Name)
}

// Decode parses a bech32-encoded invoice for the given spark network.
func Decode(invoice string, network spark.Network) (*Invoice, error) {
	net := network.ChainParams()
	hrp, data, err := bech32.DecodeNoLimit(strings.ToLower(invoice))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}

	prefix, err := hrpPrefix(net)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(hrp, prefix) ||
		(prefix == "lnbc" && strings.HasPrefix(hrp, "lnbcrt")) {
		return nil, fmt.Errorf("%w: prefix %q does not match network %v",
			ErrInvalidInvoice, hrp, network)
	}

	decoded := &Invoice{Net: net}

	// The amount is encoded in the human readable part after the
	// prefix.
	if amountStr := hrp[len(prefix):]; amountStr != "" {
		amount, err := decodeAmount(amountStr)
		if err != nil {
			return nil, err
		}
		decoded.MilliSat = &amount
	}

	if len(data) < timestampBase32Len+signatureBase32Len {
		return nil, fmt.Errorf("%w: too short", ErrInvalidInvoice)
	}

	timestamp, err := base32ToUint64(data[:timestampBase32Len])
	if err != nil {
		return nil, err
	}
	decoded.Timestamp = time.Unix(int64(timestamp), 0).UTC()

	tagged := data[timestampBase32Len : len(data)-signatureBase32Len]
	if err := parseTaggedFields(decoded, tagged); err != nil {
		return nil, err
	}

	// Recover or verify the payee key from the signature over
	// hrp || data.
	sigBase32 := data[len(data)-signatureBase32Len:]
	sigBytes, err := bech32.ConvertBits(sigBase32, 5, 8, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	if len(sigBytes) < 65 {
		return nil, fmt.Errorf("%w: short signature", ErrInvalidInvoice)
	}
	sigBytes = sigBytes[:65]

	signedData, err := bech32.ConvertBits(
		data[:len(data)-signatureBase32Len], 5, 8, true,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	digest := chainhash.HashB(append([]byte(hrp), signedData...))

	// RecoverCompact wants the recovery flag first.
	compact := make([]byte, 65)
	compact[0] = sigBytes[64] + 27 + 4
	copy(compact[1:], sigBytes[:64])
	recovered, _, err := ecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: signature recovery: %v", ErrInvalidInvoice, err)
	}
	if decoded.Destination == nil {
		decoded.Destination = recovered
	} else if !decoded.Destination.IsEqual(recovered) {
		return nil, fmt.Errorf("%w: signature does not match destination",
			ErrInvalidInvoice)
	}

	if decoded.PaymentHash == nil {
		return nil, fmt.Errorf("%w: missing payment hash", ErrInvalidInvoice)
	}
	if decoded.Description != nil && decoded.DescriptionHash != nil {
		return nil, fmt.Errorf("%w: both description and description hash",
			ErrInvalidInvoice)
	}
	return decoded, nil
}

// decodeAmount parses the hrp amount suffix into millisatoshis.
func decodeAmount(amount string) (uint64, error) {
	divisor := uint64(1)
	switch amount[len(amount)-1] {
	case 'm':
		divisor = 1_000
		amount = amount[:len(amount)-1]
	case 'u':
		divisor = 1_000_000
		amount = amount[:len(amount)-1]
	case 'n':
		divisor = 1_000_000_000
		amount = amount[:len(amount)-1]
	case 'p':
		divisor = 1_000_000_000_000
		amount = amount[:len(amount)-1]
	}

	var value uint64
	for _, r := range amount {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: bad amount", ErrInvalidInvoice)
		}
		value = value*10 + uint64(r-'0')
	}

	msat := value * mSatPerBtc
	if msat%divisor != 0 {
		return 0, fmt.Errorf("%w: sub-millisatoshi amount", ErrInvalidInvoice)
	}
	return msat / divisor, nil
}

// parseTaggedFields walks the tagged field section.
func parseTaggedFields(invoice *Invoice, fields []byte) error {
	for len(fields) >= 3 {
		fieldType := fields[0]
		dataLength := uint16(fields[1])<<5 | uint16(fields[2])
		fields = fields[3:]
		if int(dataLength) > len(fields) {
			return fmt.Errorf("%w: truncated field %d", ErrInvalidInvoice, fieldType)
		}
		fieldData := fields[:dataLength]
		fields = fields[dataLength:]

		switch fieldType {
		case fieldTypeP:
			if invoice.PaymentHash != nil || len(fieldData) != hashBase32Len {
				continue
			}
			hash, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
			}
			invoice.PaymentHash = new([32]byte)
			copy(invoice.PaymentHash[:], hash)

		case fieldTypeS:
			if invoice.PaymentSecret != nil || len(fieldData) != hashBase32Len {
				continue
			}
			secret, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
			}
			invoice.PaymentSecret = new([32]byte)
			copy(invoice.PaymentSecret[:], secret)

		case fieldTypeD:
			if invoice.Description != nil {
				continue
			}
			description, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
			}
			text := string(description)
			invoice.Description = &text

		case fieldTypeH:
			if invoice.DescriptionHash != nil || len(fieldData) != hashBase32Len {
				continue
			}
			hash, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
			}
			invoice.DescriptionHash = new([32]byte)
			copy(invoice.DescriptionHash[:], hash)

		case fieldTypeN:
			if invoice.Destination != nil || len(fieldData) != pubKeyBase32Len {
				continue
			}
			keyBytes, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
			}
			key, err := btcec.ParsePubKey(keyBytes)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
			}
			invoice.Destination = key

		case fieldTypeX:
			if invoice.expiry != nil {
				continue
			}
			seconds, err := base32ToUint64(fieldData)
			if err != nil {
				return err
			}
			expiry := time.Duration(seconds) * time.Second
			invoice.expiry = &expiry

		case fieldTypeC:
			if invoice.minFinalCLTVExpiry != nil {
				continue
			}
			delta, err := base32ToUint64(fieldData)
			if err != nil {
				return err
			}
			invoice.minFinalCLTVExpiry = &delta

		case fieldTypeR:
			hintBytes, err := bech32.ConvertBits(fieldData, 5, 8, false)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
			}
			hint, err := parseRouteHint(hintBytes)
			if err != nil {
				return err
			}
			invoice.RouteHints = append(invoice.RouteHints, hint)

		default:
			// Unknown fields are skipped, per BOLT-11.
		}
	}
	return nil
}

// parseRouteHint decodes the 51-byte hop records of an 'r' field.
func parseRouteHint(data []byte) (RouteHint, error) {
	if len(data)%hopHintLen != 0 {
		// The conversion from 5-bit groups can leave up to 4 trailing
		// padding bytes; tolerate a short tail of zeroes.
		trimmed := len(data) - len(data)%hopHintLen
		for _, b := range data[trimmed:] {
			if b != 0 {
				return RouteHint{}, fmt.Errorf("%w: bad route hint length",
					ErrInvalidInvoice)
			}
		}
		data = data[:trimmed]
	}

	var hint RouteHint
	for len(data) >= hopHintLen {
		record := data[:hopHintLen]
		data = data[hopHintLen:]

		key, err := btcec.ParsePubKey(record[:33])
		if err != nil {
			return RouteHint{}, fmt.Errorf("%w: route hint key: %v",
				ErrInvalidInvoice, err)
		}
		hint.Hops = append(hint.Hops, HopHint{
			NodeID:                    key,
			ChannelID:                 binary.BigEndian.Uint64(record[33:41]),
			FeeBaseMSat:               binary.BigEndian.Uint32(record[41:45]),
			FeeProportionalMillionths: binary.BigEndian.Uint32(record[45:49]),
			CLTVExpiryDelta:           binary.BigEndian.Uint16(record[49:51]),
		})
	}
	return hint, nil
}

// base32ToUint64 converts a big-endian sequence of 5-bit groups.
func base32ToUint64(data []byte) (uint64, error) {
	if len(data) > 13 {
		return 0, fmt.Errorf("%w: oversized integer field", ErrInvalidInvoice)
	}
	var value uint64
	for _, group := range data {
		if group > 31 {
			return 0, fmt.Errorf("%w: not base32", ErrInvalidInvoice)
		}
		value = value<<5 | uint64(group)
	}
	return value, nil
}

// uint64ToBase32 encodes a number as big-endian 5-bit groups without
// leading zero groups.
func uint64ToBase32(num uint64) []byte {
	if num == 0 {
		return []byte{0}
	}
	var groups []byte
	for num > 0 {
		groups = append([]byte{byte(num & 31)}, groups...)
		num >>= 5
	}
	return groups
}

// Encode renders the invoice and signs it with signCompact, which must
// return a 65-byte compact recoverable signature over the passed
// digest, recovery flag first.
func (invoice *Invoice) Encode(signCompact func(digest []byte) ([]byte, error)) (string, error) {
	prefix, err := hrpPrefix(invoice.Net)
	if err != nil {
		return "", err
	}

	hrp := prefix
	if invoice.MilliSat != nil {
		amountStr, err := encodeAmount(*invoice.MilliSat)
		if err != nil {
			return "", err
		}
		hrp += amountStr
	}

	var data bytes.Buffer
	timestamp := uint64(invoice.Timestamp.Unix())
	timestampBase32 := uint64ToBase32(timestamp)
	for i := len(timestampBase32); i < timestampBase32Len; i++ {
		data.WriteByte(0)
	}
	data.Write(timestampBase32)

	if err := writeTaggedFields(&data, invoice); err != nil {
		return "", err
	}

	signedData, err := bech32.ConvertBits(data.Bytes(), 5, 8, true)
	if err != nil {
		return "", err
	}
	digest := chainhash.HashB(append([]byte(hrp), signedData...))
	compact, err := signCompact(digest)
	if err != nil {
		return "", err
	}
	if len(compact) != 65 {
		return "", fmt.Errorf("bolt11: bad compact signature length %d", len(compact))
	}

	// Wire order is signature first, recovery flag last.
	var sig [65]byte
	copy(sig[:64], compact[1:])
	sig[64] = (compact[0] - 27) & 3
	sigBase32, err := bech32.ConvertBits(sig[:], 8, 5, true)
	if err != nil {
		return "", err
	}
	data.Write(sigBase32)

	return bech32.Encode(hrp, data.Bytes())
}

// encodeAmount renders millisatoshis into the shortest hrp suffix.
func encodeAmount(msat uint64) (string, error) {
	for _, unit := range []struct {
		divisor uint64
		suffix  string
	}{
		{1, ""},
		{1_000, "m"},
		{1_000_000, "u"},
		{1_000_000_000, "n"},
		{1_000_000_000_000, "p"},
	} {
		scaled := msat * unit.divisor
		if scaled/unit.divisor != msat {
			continue
		}
		if scaled%mSatPerBtc == 0 {
			return fmt.Sprintf("%d%s", scaled/mSatPerBtc, unit.suffix), nil
		}
	}
	return "", fmt.Errorf("bolt11: amount %d msat not representable", msat)
}

// writeTaggedFields appends the invoice's tagged fields in 5-bit
// encoding.
func writeTaggedFields(buf *bytes.Buffer, invoice *Invoice) error {
	writeField := func(fieldType byte, base32Data []byte) {
		buf.WriteByte(fieldType)
		buf.WriteByte(byte(len(base32Data) >> 5))
		buf.WriteByte(byte(len(base32Data) & 31))
		buf.Write(base32Data)
	}
	writeBytesField := func(fieldType byte, raw []byte) error {
		base32Data, err := bech32.ConvertBits(raw, 8, 5, true)
		if err != nil {
			return err
		}
		writeField(fieldType, base32Data)
		return nil
	}

	if invoice.PaymentHash == nil {
		return fmt.Errorf("bolt11: missing payment hash")
	}
	if err := writeBytesField(fieldTypeP, invoice.PaymentHash[:]); err != nil {
		return err
	}
	if invoice.PaymentSecret != nil {
		if err := writeBytesField(fieldTypeS, invoice.PaymentSecret[:]); err != nil {
			return err
		}
	}
	if invoice.Description != nil {
		if err := writeBytesField(fieldTypeD, []byte(*invoice.Description)); err != nil {
			return err
		}
	}
	if invoice.DescriptionHash != nil {
		if err := writeBytesField(fieldTypeH, invoice.DescriptionHash[:]); err != nil {
			return err
		}
	}
	if invoice.Destination != nil {
		if err := writeBytesField(fieldTypeN, invoice.Destination.SerializeCompressed()); err != nil {
			return err
		}
	}
	if invoice.expiry != nil {
		writeField(fieldTypeX, uint64ToBase32(uint64(invoice.expiry.Seconds())))
	}
	if invoice.minFinalCLTVExpiry != nil {
		writeField(fieldTypeC, uint64ToBase32(*invoice.minFinalCLTVExpiry))
	}
	for _, hint := range invoice.RouteHints {
		raw := make([]byte, 0, len(hint.Hops)*hopHintLen)
		for _, hop := range hint.Hops {
			record := make([]byte, hopHintLen)
			copy(record[:33], hop.NodeID.SerializeCompressed())
			binary.BigEndian.PutUint64(record[33:41], hop.ChannelID)
			binary.BigEndian.PutUint32(record[41:45], hop.FeeBaseMSat)
			binary.BigEndian.PutUint32(record[45:49], hop.FeeProportionalMillionths)
			binary.BigEndian.PutUint16(record[49:51], hop.CLTVExpiryDelta)
			raw = append(raw, record...)
		}
		if err := writeBytesField(fieldTypeR, raw); err != nil {
			return err
		}
	}
	return nil
}
