package ssp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lukechampine.com/uint128"
)

// HTTPClient speaks the service provider's JSON API. Amount fields that
// may exceed 64 bits travel as decimal strings.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// compile-time interface check.
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client for the provider's base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ssp %s: %w", path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ssp %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ssp %s: status %d: %s", path, resp.StatusCode,
			strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func parseU128(s string) (uint128.Uint128, error) {
	if s == "" {
		return uint128.Zero, nil
	}
	return uint128.FromString(s)
}

func parseU128Ptr(s string) (*uint128.Uint128, error) {
	if s == "" {
		return nil, nil
	}
	v, err := uint128.FromString(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateLightningInvoice implements Client.
func (c *HTTPClient) CreateLightningInvoice(ctx context.Context,
	req *LightningReceiveRequest) (*LightningReceivePayment, error) {

	var resp LightningReceivePayment
	err := c.post(ctx, "/v1/lightning/create_invoice", req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// EstimateLightningSendFee implements Client.
func (c *HTTPClient) EstimateLightningSendFee(ctx context.Context, invoice string,
	amountSats uint64) (*LightningSendFeeEstimate, error) {

	var resp LightningSendFeeEstimate
	err := c.post(ctx, "/v1/lightning/fee_estimate", map[string]interface{}{
		"invoice":     invoice,
		"amount_sats": amountSats,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// PayLightningInvoice implements Client.
func (c *HTTPClient) PayLightningInvoice(ctx context.Context,
	req *LightningSendRequest) (*LightningSendPayment, error) {

	var resp LightningSendPayment
	err := c.post(ctx, "/v1/lightning/pay_invoice", req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetLightningSendPayment implements Client.
func (c *HTTPClient) GetLightningSendPayment(ctx context.Context,
	id string) (*LightningSendPayment, error) {

	var resp LightningSendPayment
	err := c.post(ctx, "/v1/lightning/get_payment", map[string]string{"id": id}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestCoopExit implements Client.
func (c *HTTPClient) RequestCoopExit(ctx context.Context,
	req *CoopExitRequest) (*CoopExitResponse, error) {

	var resp CoopExitResponse
	err := c.post(ctx, "/v1/coop_exit/request", req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompleteCoopExit implements Client.
func (c *HTTPClient) CompleteCoopExit(ctx context.Context,
	id string) (*CoopExitResponse, error) {

	var resp CoopExitResponse
	err := c.post(ctx, "/v1/coop_exit/complete", map[string]string{"id": id}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestLeavesSwap implements Client.
func (c *HTTPClient) RequestLeavesSwap(ctx context.Context,
	req *LeavesSwapRequest) (*LeavesSwapResponse, error) {

	var resp LeavesSwapResponse
	err := c.post(ctx, "/v1/leaves_swap/request", req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompleteLeavesSwap implements Client.
func (c *HTTPClient) CompleteLeavesSwap(ctx context.Context,
	id string) (*LeavesSwapResponse, error) {

	var resp LeavesSwapResponse
	err := c.post(ctx, "/v1/leaves_swap/complete", map[string]string{"id": id}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

type tokenPoolWire struct {
	PoolID              string   `json:"pool_id"`
	AssetAAddress       string   `json:"asset_a_address"`
	AssetBAddress       string   `json:"asset_b_address"`
	HostFeeBps          uint32   `json:"host_fee_bps"`
	LPFeeBps            uint32   `json:"lp_fee_bps"`
	AssetAReserve       string   `json:"asset_a_reserve,omitempty"`
	AssetBReserve       string   `json:"asset_b_reserve,omitempty"`
	CurveType           string   `json:"curve_type,omitempty"`
	TVLAssetB           *uint64  `json:"tvl_asset_b,omitempty"`
	Volume24hAssetB     *uint64  `json:"volume_24h_asset_b,omitempty"`
	PriceChangePct24h   *float64 `json:"price_change_percent_24h,omitempty"`
	BondingProgressPct  *float64 `json:"bonding_progress_percent,omitempty"`
	GraduationThreshold *uint64  `json:"graduation_threshold_amount,omitempty"`
}

// ListTokenPools implements Client.
func (c *HTTPClient) ListTokenPools(ctx context.Context, assetIn,
	assetOut string) ([]*TokenPool, error) {

	var resp struct {
		Pools []*tokenPoolWire `json:"pools"`
	}
	err := c.post(ctx, "/v1/tokens/list_pools", map[string]string{
		"asset_in_address":  assetIn,
		"asset_out_address": assetOut,
	}, &resp)
	if err != nil {
		return nil, err
	}

	pools := make([]*TokenPool, 0, len(resp.Pools))
	for _, w := range resp.Pools {
		pool := &TokenPool{
			PoolID:              w.PoolID,
			AssetAAddress:       w.AssetAAddress,
			AssetBAddress:       w.AssetBAddress,
			HostFeeBps:          w.HostFeeBps,
			LPFeeBps:            w.LPFeeBps,
			CurveType:           w.CurveType,
			TVLAssetB:           w.TVLAssetB,
			Volume24hAssetB:     w.Volume24hAssetB,
			PriceChangePct24h:   w.PriceChangePct24h,
			BondingProgressPct:  w.BondingProgressPct,
			GraduationThreshold: w.GraduationThreshold,
		}
		if pool.AssetAReserve, err = parseU128Ptr(w.AssetAReserve); err != nil {
			return nil, fmt.Errorf("pool %s: %w", w.PoolID, err)
		}
		if pool.AssetBReserve, err = parseU128Ptr(w.AssetBReserve); err != nil {
			return nil, fmt.Errorf("pool %s: %w", w.PoolID, err)
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func swapRequestWire(req *TokenSwapRequest) map[string]interface{} {
	return map[string]interface{}{
		"identity_public_key": req.IdentityPublicKey,
		"pool_id":             req.PoolID,
		"asset_in_address":    req.AssetInAddress,
		"asset_out_address":   req.AssetOutAddress,
		"amount_in":           req.AmountIn.String(),
		"min_amount_out":      req.MinAmountOut.String(),
		"max_slippage_bps":    req.MaxSlippageBps,
		"transfer_id":         req.TransferID,
	}
}

// SimulateTokenSwap implements Client.
func (c *HTTPClient) SimulateTokenSwap(ctx context.Context,
	req *TokenSwapRequest) (*TokenSwapSimulation, error) {

	var resp struct {
		AmountOut string `json:"amount_out"`
		FeeBps    uint32 `json:"fee_bps"`
	}
	err := c.post(ctx, "/v1/tokens/simulate_swap", swapRequestWire(req), &resp)
	if err != nil {
		return nil, err
	}
	amountOut, err := parseU128(resp.AmountOut)
	if err != nil {
		return nil, err
	}
	return &TokenSwapSimulation{AmountOut: amountOut, FeeBps: resp.FeeBps}, nil
}

// ExecuteTokenSwap implements Client.
func (c *HTTPClient) ExecuteTokenSwap(ctx context.Context,
	req *TokenSwapRequest) (*TokenSwapResponse, error) {

	var resp struct {
		SwapID           string `json:"swap_id"`
		AmountOut        string `json:"amount_out"`
		Accepted         bool   `json:"accepted"`
		RefundTransferID string `json:"refund_transfer_id"`
	}
	err := c.post(ctx, "/v1/tokens/execute_swap", swapRequestWire(req), &resp)
	if err != nil {
		return nil, err
	}
	amountOut, err := parseU128(resp.AmountOut)
	if err != nil {
		return nil, err
	}
	return &TokenSwapResponse{
		SwapID:           resp.SwapID,
		AmountOut:        amountOut,
		Accepted:         resp.Accepted,
		RefundTransferID: resp.RefundTransferID,
	}, nil
}

// ClawbackTokenSwap implements Client.
func (c *HTTPClient) ClawbackTokenSwap(ctx context.Context, req *ClawbackRequest) error {
	return c.post(ctx, "/v1/tokens/clawback", req, nil)
}

// GetMinAmounts implements Client.
func (c *HTTPClient) GetMinAmounts(ctx context.Context, assetIn,
	assetOut string) (*MinAmounts, error) {

	var resp struct {
		MinAmountIn  string `json:"min_amount_in"`
		MinAmountOut string `json:"min_amount_out"`
	}
	err := c.post(ctx, "/v1/tokens/min_amounts", map[string]string{
		"asset_in_address":  assetIn,
		"asset_out_address": assetOut,
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := &MinAmounts{}
	if out.MinAmountIn, err = parseU128(resp.MinAmountIn); err != nil {
		return nil, err
	}
	if out.MinAmountOut, err = parseU128(resp.MinAmountOut); err != nil {
		return nil, err
	}
	return out, nil
}

// ListLnurlMetadata implements Client.
func (c *HTTPClient) ListLnurlMetadata(ctx context.Context,
	req *ListMetadataRequest) ([]*LnurlMetadata, error) {

	var resp struct {
		Metadata []*LnurlMetadata `json:"metadata"`
	}
	err := c.post(ctx, "/v1/lnurl/list_metadata", req, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}
