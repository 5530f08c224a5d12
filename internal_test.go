package sparksdk

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncTypeBitmask(t *testing.T) {
	require.True(t, SyncTypeFull.contains(SyncTypeWallet))
	require.True(t, SyncTypeFull.contains(SyncTypeDeposits))
	require.True(t, SyncTypeFull.contains(SyncTypeFull))
	require.False(t, SyncTypeWallet.contains(SyncTypeFull))
	require.False(t, SyncTypeWallet.contains(SyncTypeDeposits))
}

func TestMaxDepositClaimFee(t *testing.T) {
	fixed := &MaxDepositClaimFee{FixedSats: 500}
	require.EqualValues(t, 500, fixed.toSats())

	rate := &MaxDepositClaimFee{RateSatPerVByte: 3}
	require.EqualValues(t, 3*claimTxSizeVBytes, rate.toSats())

	// A fixed cap wins over a rate cap.
	both := &MaxDepositClaimFee{FixedSats: 100, RateSatPerVByte: 3}
	require.EqualValues(t, 100, both.toSats())
}

func TestBigEndianRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 1_700_000_000, ^uint64(0)} {
		require.Equal(t, v, beUint64(beUint64Bytes(v)))
	}
}

func TestEventEmitterOrderAndRemoval(t *testing.T) {
	emitter := newEventEmitter()
	defer emitter.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 4)

	listen := func(name string) string {
		return emitter.AddListener(EventListenerFunc(func(event *Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			done <- struct{}{}
		}))
	}
	first := listen("first")
	second := listen("second")

	emitter.Emit(&Event{Type: EventSynced, Synced: &SyncedEvent{}})
	<-done
	<-done

	mu.Lock()
	require.Equal(t, []string{"first", "second"}, order)
	order = nil
	mu.Unlock()

	// Removal stops delivery; double removal reports false.
	require.True(t, emitter.RemoveListener(first))
	require.False(t, emitter.RemoveListener(first))

	emitter.Emit(&Event{Type: EventSynced, Synced: &SyncedEvent{}})
	<-done
	mu.Lock()
	require.Equal(t, []string{"second"}, order)
	mu.Unlock()

	require.True(t, emitter.RemoveListener(second))
}

func TestValidationErrors(t *testing.T) {
	err := validationErrorf("amount", "must be positive")
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	require.Contains(t, err.Error(), "amount")
}
