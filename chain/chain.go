// Package chain abstracts the L1 view the wallet needs: address
// lookups for deposit detection, confirmation counts, fee estimates,
// and transaction broadcast. The core never knows which implementation
// it holds; the bundled implementation speaks a mempool-API-compatible
// REST endpoint, which regtest harnesses also expose.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// Utxo is one unspent output paying a watched address.
type Utxo struct {
	Txid      string
	Vout      uint32
	ValueSats uint64
	Confirmed bool
}

// Service is the chain capability interface.
type Service interface {
	// GetAddressUtxos lists the UTXOs paying an address.
	GetAddressUtxos(ctx context.Context, address string) ([]*Utxo, error)

	// GetTransaction fetches a raw transaction by txid.
	GetTransaction(ctx context.Context, txid string) (*wire.MsgTx, error)

	// GetTransactionConfirmations returns how deep a transaction is,
	// zero for unconfirmed.
	GetTransactionConfirmations(ctx context.Context, txid string) (uint32, error)

	// BroadcastTransaction submits a raw transaction and returns its
	// txid.
	BroadcastTransaction(ctx context.Context, tx *wire.MsgTx) (string, error)

	// FeeRateSatPerVByte estimates the fee rate for confirmation
	// within targetBlocks.
	FeeRateSatPerVByte(ctx context.Context, targetBlocks uint32) (uint64, error)
}

// RestClient implements Service against a mempool-API-compatible REST
// endpoint.
type RestClient struct {
	baseURL string
	client  *http.Client
}

// compile-time interface check.
var _ Service = (*RestClient)(nil)

// NewRestClient builds a client for the given API base URL.
func NewRestClient(baseURL string, timeout time.Duration) *RestClient {
	return &RestClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *RestClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chain %s: status %d: %s", path, resp.StatusCode,
			strings.TrimSpace(string(body)))
	}
	return body, nil
}

// GetAddressUtxos implements Service.
func (c *RestClient) GetAddressUtxos(ctx context.Context,
	address string) ([]*Utxo, error) {

	body, err := c.get(ctx, "/address/"+address+"/utxo")
	if err != nil {
		return nil, err
	}
	var wireUtxos []struct {
		Txid   string `json:"txid"`
		Vout   uint32 `json:"vout"`
		Value  uint64 `json:"value"`
		Status struct {
			Confirmed bool `json:"confirmed"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &wireUtxos); err != nil {
		return nil, err
	}
	utxos := make([]*Utxo, 0, len(wireUtxos))
	for _, u := range wireUtxos {
		utxos = append(utxos, &Utxo{
			Txid:      u.Txid,
			Vout:      u.Vout,
			ValueSats: u.Value,
			Confirmed: u.Status.Confirmed,
		})
	}
	return utxos, nil
}

// GetTransaction implements Service.
func (c *RestClient) GetTransaction(ctx context.Context,
	txid string) (*wire.MsgTx, error) {

	body, err := c.get(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("chain tx %s: %w", txid, err)
	}
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("chain tx %s: %w", txid, err)
	}
	return tx, nil
}

// GetTransactionConfirmations implements Service.
func (c *RestClient) GetTransactionConfirmations(ctx context.Context,
	txid string) (uint32, error) {

	body, err := c.get(ctx, "/tx/"+txid+"/status")
	if err != nil {
		return 0, err
	}
	var status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint32 `json:"block_height"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return 0, err
	}
	if !status.Confirmed {
		return 0, nil
	}

	tipBody, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	var tip uint32
	if _, err := fmt.Sscanf(strings.TrimSpace(string(tipBody)), "%d", &tip); err != nil {
		return 0, err
	}
	if tip < status.BlockHeight {
		return 0, nil
	}
	return tip - status.BlockHeight + 1, nil
}

// BroadcastTransaction implements Service.
func (c *RestClient) BroadcastTransaction(ctx context.Context,
	tx *wire.MsgTx) (string, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx",
		strings.NewReader(hex.EncodeToString(buf.Bytes())))
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chain broadcast: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chain broadcast: status %d: %s", resp.StatusCode,
			strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// FeeRateSatPerVByte implements Service.
func (c *RestClient) FeeRateSatPerVByte(ctx context.Context,
	targetBlocks uint32) (uint64, error) {

	body, err := c.get(ctx, "/fee-estimates")
	if err != nil {
		return 0, err
	}
	var estimates map[string]float64
	if err := json.Unmarshal(body, &estimates); err != nil {
		return 0, err
	}
	rate, ok := estimates[fmt.Sprintf("%d", targetBlocks)]
	if !ok || rate < 1 {
		rate = 1
	}
	return uint64(rate + 0.5), nil
}
