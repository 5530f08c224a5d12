package sparksdk

import (
	"context"
	"fmt"

	"github.com/flarewallet/sparksdk/operator"
)

// ListUnclaimedDeposits lists the deposit UTXOs the sweep could not
// claim, with their recorded claim errors.
func (s *SDK) ListUnclaimedDeposits(ctx context.Context) ([]*DepositInfo, error) {
	return s.storage.ListDeposits(ctx)
}

// ClaimDeposit claims one tracked deposit UTXO, ignoring the fee cap:
// the caller has seen the quote through the deposit's claim error and
// accepts it.
func (s *SDK) ClaimDeposit(ctx context.Context, txid string, vout uint32) (*Payment, error) {
	if s.cfg.ChainService == nil {
		return nil, validationErrorf("deposit", "no chain service configured")
	}

	depositTx, err := s.cfg.ChainService.GetTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	quote, err := s.wallet.Deposits().FetchClaimQuote(ctx, depositTx, vout)
	if err != nil {
		return nil, err
	}
	transfer, err := s.wallet.Deposits().ClaimStaticDeposit(ctx, quote)
	if err != nil {
		return nil, err
	}
	if err := s.storage.DeleteDeposit(ctx, txid, vout); err != nil {
		log.Errorf("Failed to drop claimed deposit %s:%d: %v", txid, vout, err)
	}

	payment := s.paymentFromTransfer(transfer, PaymentStatusCompleted)
	payment.Method = PaymentMethodDeposit
	payment.Details.Txid = txid
	if err := s.storage.InsertPayment(ctx, payment); err != nil {
		return nil, err
	}
	s.emitter.Emit(&Event{Type: EventPaymentSucceeded, Payment: payment})
	s.notifyWaiters(payment)
	return payment, nil
}

// RefundDeposit builds and stores a refund for an unclaimed deposit
// UTXO instead of claiming it. The signed refund bytes stay on the
// deposit record until the user broadcasts them.
func (s *SDK) RefundDeposit(ctx context.Context, txid string, vout uint32,
	refundTx []byte) error {

	if len(refundTx) == 0 {
		return validationErrorf("refund tx", "empty refund transaction")
	}
	deposits, err := s.storage.ListDeposits(ctx)
	if err != nil {
		return err
	}
	for _, deposit := range deposits {
		if deposit.Txid == txid && deposit.Vout == vout {
			deposit.RefundTx = refundTx
			return s.storage.UpsertDeposit(ctx, deposit)
		}
	}
	return fmt.Errorf("%w: %s:%d", ErrDepositNotFound, txid, vout)
}

// checkAndClaimDeposits is the deposit sweep: discover confirmed UTXOs
// on the wallet's deposit addresses, claim each under the fee cap, and
// report claimed/unclaimed sets through events. A fee cap violation
// never fails the sweep; the deposit stays claimable once the policy
// changes.
func (s *SDK) checkAndClaimDeposits(ctx context.Context) error {
	if s.cfg.ChainService == nil {
		return nil
	}

	addresses, err := s.wallet.Deposits().QueryUnusedDepositAddresses(ctx)
	if err != nil {
		return err
	}

	var claimed, unclaimed []*DepositInfo
	for _, address := range addresses {
		utxos, err := s.cfg.ChainService.GetAddressUtxos(ctx, address.Address)
		if err != nil {
			return err
		}
		for _, utxo := range utxos {
			if !utxo.Confirmed {
				continue
			}
			deposit := &DepositInfo{
				Txid:       utxo.Txid,
				Vout:       utxo.Vout,
				AmountSats: utxo.ValueSats,
			}
			if err := s.storage.UpsertDeposit(ctx, deposit); err != nil {
				return err
			}

			if err := s.claimDepositUtxo(ctx, deposit); err != nil {
				log.Warnf("Failed to claim deposit %s:%d: %v",
					deposit.Txid, deposit.Vout, err)
				deposit.ClaimError = err.Error()
				if storeErr := s.storage.UpsertDeposit(ctx, deposit); storeErr != nil {
					return storeErr
				}
				unclaimed = append(unclaimed, deposit)
				continue
			}

			if err := s.storage.DeleteDeposit(ctx, deposit.Txid, deposit.Vout); err != nil {
				return err
			}
			claimed = append(claimed, deposit)
		}
	}

	if len(unclaimed) > 0 {
		s.emitter.Emit(&Event{Type: EventUnclaimedDeposits, Deposits: unclaimed})
	}
	if len(claimed) > 0 {
		s.emitter.Emit(&Event{Type: EventClaimedDeposits, Deposits: claimed})
	}
	return nil
}

// claimDepositUtxo fetches a claim quote, enforces the fee policy, and
// claims.
func (s *SDK) claimDepositUtxo(ctx context.Context, deposit *DepositInfo) error {
	depositTx, err := s.cfg.ChainService.GetTransaction(ctx, deposit.Txid)
	if err != nil {
		return err
	}
	quote, err := s.wallet.Deposits().FetchClaimQuote(ctx, depositTx, deposit.Vout)
	if err != nil {
		return err
	}

	if quote.CreditAmountSats > deposit.AmountSats {
		return &operator.ProtocolError{Op: "claim_quote",
			Err: fmt.Errorf("credit %d exceeds utxo value %d",
				quote.CreditAmountSats, deposit.AmountSats)}
	}
	requestedFee := deposit.AmountSats - quote.CreditAmountSats
	requestedRate := (requestedFee + claimTxSizeVBytes - 1) / claimTxSizeVBytes

	if requestedFee > 0 {
		if s.cfg.MaxDepositClaimFee == nil {
			return &DepositClaimFeeExceededError{
				Txid:                       deposit.Txid,
				Vout:                       deposit.Vout,
				RequiredFeeSats:            requestedFee,
				RequiredFeeRateSatPerVByte: requestedRate,
			}
		}
		if maxFee := s.cfg.MaxDepositClaimFee.toSats(); requestedFee > maxFee {
			return &DepositClaimFeeExceededError{
				Txid:                       deposit.Txid,
				Vout:                       deposit.Vout,
				RequiredFeeSats:            requestedFee,
				RequiredFeeRateSatPerVByte: requestedRate,
				MaxFeeSats:                 maxFee,
			}
		}
	}

	transfer, err := s.wallet.Deposits().ClaimStaticDeposit(ctx, quote)
	if err != nil {
		return err
	}

	payment := s.paymentFromTransfer(transfer, PaymentStatusCompleted)
	payment.Method = PaymentMethodDeposit
	payment.Details.Txid = deposit.Txid
	if err := s.storage.InsertPayment(ctx, payment); err != nil {
		return err
	}
	s.emitter.Emit(&Event{Type: EventPaymentSucceeded, Payment: payment})
	s.notifyWaiters(payment)

	log.Infof("Claimed deposit %s:%d for %d sats (fee %d)",
		deposit.Txid, deposit.Vout, quote.CreditAmountSats, requestedFee)
	return nil
}
