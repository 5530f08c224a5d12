package operator

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/spark"
)

// NetworkError wraps transport failures. Sync-loop tasks treat these as
// transient and retry on the next tick; user-initiated operations
// surface them.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("operator rpc %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError marks a structurally invalid operator response: missing
// fields, invalid identifiers, bad proofs. Fatal to the current
// operation.
type ProtocolError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("operator protocol %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error { return e.Err }

// HTTPClient talks the coordinator's JSON protocol over HTTP, with the
// event stream carried over a websocket. One client serves the whole
// pool; per-operator calls are routed by the operator's address.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	dialer  *websocket.Dialer
}

// compile-time interface check.
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client for the given coordinator base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		dialer:  websocket.DefaultDialer,
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &ProtocolError{Op: path, Err: err}
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body),
	)
	if err != nil {
		return &NetworkError{Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &NetworkError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: path, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &NetworkError{Op: path, Err: fmt.Errorf(
			"status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)),
		)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &ProtocolError{Op: path, Err: err}
	}
	return nil
}

// GenerateDepositAddress implements Client.
func (c *HTTPClient) GenerateDepositAddress(ctx context.Context,
	req *GenerateDepositAddressRequest) (*DepositAddressInfo, error) {

	type proofWire struct {
		ProofOfPossessionSignature string            `json:"proof_of_possession_signature"`
		AddressSignatures          map[string]string `json:"address_signatures"`
	}
	var resp struct {
		Address              string     `json:"address"`
		LeafID               string     `json:"leaf_id"`
		UserSigningPublicKey string     `json:"user_signing_public_key"`
		VerifyingPublicKey   string     `json:"verifying_public_key"`
		Proof                *proofWire `json:"deposit_address_proof"`
	}
	err := c.post(ctx, "/v1/deposit/generate_address", map[string]interface{}{
		"signing_public_key":  encodeKey(req.SigningPublicKey),
		"identity_public_key": encodeKey(req.IdentityPublicKey),
		"network":             req.Network.String(),
		"leaf_id":             string(req.LeafID),
		"is_static":           req.IsStatic,
	}, &resp)
	if err != nil {
		return nil, err
	}

	info := &DepositAddressInfo{
		Address:  resp.Address,
		LeafID:   spark.LeafID(resp.LeafID),
		IsStatic: req.IsStatic,
	}
	if info.UserSigningPublicKey, err = decodeKey(resp.UserSigningPublicKey); err != nil {
		return nil, &ProtocolError{Op: "generate_deposit_address", Err: err}
	}
	if info.VerifyingPublicKey, err = decodeKey(resp.VerifyingPublicKey); err != nil {
		return nil, &ProtocolError{Op: "generate_deposit_address", Err: err}
	}
	if resp.Proof == nil {
		return nil, &ProtocolError{Op: "generate_deposit_address",
			Err: fmt.Errorf("missing deposit address proof")}
	}
	proof := &DepositAddressProof{
		AddressSignatures: make(map[frost.Identifier][]byte),
	}
	if proof.ProofOfPossessionSignature, err = decodeBytes(
		resp.Proof.ProofOfPossessionSignature,
	); err != nil {
		return nil, &ProtocolError{Op: "generate_deposit_address", Err: err}
	}
	for idHex, sigHex := range resp.Proof.AddressSignatures {
		id, err := frost.IdentifierFromHex(idHex)
		if err != nil {
			return nil, &ProtocolError{Op: "generate_deposit_address", Err: err}
		}
		sig, err := decodeBytes(sigHex)
		if err != nil {
			return nil, &ProtocolError{Op: "generate_deposit_address", Err: err}
		}
		proof.AddressSignatures[id] = sig
	}
	info.Proof = proof
	return info, nil
}

// QueryUnusedDepositAddresses implements Client.
func (c *HTTPClient) QueryUnusedDepositAddresses(ctx context.Context,
	identity *btcec.PublicKey, network spark.Network) ([]*DepositAddressInfo, error) {

	var resp struct {
		Addresses []struct {
			Address              string `json:"address"`
			LeafID               string `json:"leaf_id"`
			UserSigningPublicKey string `json:"user_signing_public_key"`
			VerifyingPublicKey   string `json:"verifying_public_key"`
			IsStatic             bool   `json:"is_static"`
		} `json:"deposit_addresses"`
	}
	err := c.post(ctx, "/v1/deposit/query_unused_addresses", map[string]interface{}{
		"identity_public_key": encodeKey(identity),
		"network":             network.String(),
	}, &resp)
	if err != nil {
		return nil, err
	}

	infos := make([]*DepositAddressInfo, 0, len(resp.Addresses))
	for _, addr := range resp.Addresses {
		info := &DepositAddressInfo{
			Address:  addr.Address,
			LeafID:   spark.LeafID(addr.LeafID),
			IsStatic: addr.IsStatic,
		}
		if info.UserSigningPublicKey, err = decodeKey(addr.UserSigningPublicKey); err != nil {
			return nil, &ProtocolError{Op: "query_unused_deposit_addresses", Err: err}
		}
		if info.VerifyingPublicKey, err = decodeKey(addr.VerifyingPublicKey); err != nil {
			return nil, &ProtocolError{Op: "query_unused_deposit_addresses", Err: err}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// StartDepositTreeCreation implements Client.
func (c *HTTPClient) StartDepositTreeCreation(ctx context.Context,
	req *StartDepositTreeCreationRequest) (*StartDepositTreeCreationResponse, error) {

	var resp struct {
		NodeID                string             `json:"node_id"`
		VerifyingKey          string             `json:"verifying_key"`
		NodeTxSigningResult   *signingResultWire `json:"node_tx_signing_result"`
		RefundTxSigningResult *signingResultWire `json:"refund_tx_signing_result"`
	}
	err := c.post(ctx, "/v1/deposit/start_tree_creation", map[string]interface{}{
		"identity_public_key": encodeKey(req.IdentityPublicKey),
		"on_chain_utxo": map[string]interface{}{
			"raw_tx":  hex.EncodeToString(req.OnChainUtxo.RawTx),
			"vout":    req.OnChainUtxo.Vout,
			"network": req.OnChainUtxo.Network.String(),
		},
		"root_tx_signing_job":   encodeSigningJob(req.RootTxSigningJob),
		"refund_tx_signing_job": encodeSigningJob(req.RefundTxSigningJob),
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := &StartDepositTreeCreationResponse{NodeID: spark.LeafID(resp.NodeID)}
	if out.VerifyingKey, err = decodeKey(resp.VerifyingKey); err != nil {
		return nil, &ProtocolError{Op: "start_deposit_tree_creation", Err: err}
	}
	if out.NodeTxSigningResult, err = decodeSigningResult(resp.NodeTxSigningResult); err != nil {
		return nil, &ProtocolError{Op: "start_deposit_tree_creation", Err: err}
	}
	if out.RefundTxSigningResult, err = decodeSigningResult(resp.RefundTxSigningResult); err != nil {
		return nil, &ProtocolError{Op: "start_deposit_tree_creation", Err: err}
	}
	return out, nil
}

// FinalizeNodeSignatures implements Client.
func (c *HTTPClient) FinalizeNodeSignatures(ctx context.Context, intent SignatureIntent,
	signatures []*NodeSignatures) ([]*spark.TreeNode, error) {

	sigs := make([]map[string]interface{}, 0, len(signatures))
	for _, sig := range signatures {
		sigs = append(sigs, map[string]interface{}{
			"node_id":                             string(sig.NodeID),
			"node_tx_signature":                   hex.EncodeToString(sig.NodeTxSignature),
			"refund_tx_signature":                 hex.EncodeToString(sig.RefundTxSignature),
			"direct_node_tx_signature":            hex.EncodeToString(sig.DirectNodeTxSignature),
			"direct_refund_tx_signature":          hex.EncodeToString(sig.DirectRefundTxSignature),
			"direct_from_cpfp_refund_tx_signature": hex.EncodeToString(
				sig.DirectFromCPFPRefundTxSignature),
		})
	}
	var resp struct {
		Nodes []*treeNodeWire `json:"nodes"`
	}
	err := c.post(ctx, "/v1/tree/finalize_node_signatures", map[string]interface{}{
		"intent":          int32(intent),
		"node_signatures": sigs,
	}, &resp)
	if err != nil {
		return nil, err
	}

	nodes := make([]*spark.TreeNode, 0, len(resp.Nodes))
	for _, nodeWire := range resp.Nodes {
		node, err := decodeTreeNode(nodeWire)
		if err != nil {
			return nil, &ProtocolError{Op: "finalize_node_signatures", Err: err}
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// GetSigningCommitments implements Client.
func (c *HTTPClient) GetSigningCommitments(ctx context.Context, nodeIDs []spark.LeafID,
	count int) ([]map[frost.Identifier]frost.NonceCommitment, error) {

	ids := make([]string, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		ids = append(ids, string(id))
	}
	var resp struct {
		SigningCommitments []struct {
			SigningNonceCommitments map[string]*signingCommitmentWire `json:"signing_nonce_commitments"`
		} `json:"signing_commitments"`
	}
	err := c.post(ctx, "/v1/tree/get_signing_commitments", map[string]interface{}{
		"node_ids": ids,
		"count":    count,
	}, &resp)
	if err != nil {
		return nil, err
	}

	out := make([]map[frost.Identifier]frost.NonceCommitment, 0, len(resp.SigningCommitments))
	for _, set := range resp.SigningCommitments {
		decoded := make(map[frost.Identifier]frost.NonceCommitment, len(set.SigningNonceCommitments))
		for idHex, commitment := range set.SigningNonceCommitments {
			id, err := frost.IdentifierFromHex(idHex)
			if err != nil {
				return nil, &ProtocolError{Op: "get_signing_commitments", Err: err}
			}
			parsed, err := decodeCommitment(commitment)
			if err != nil {
				return nil, &ProtocolError{Op: "get_signing_commitments", Err: err}
			}
			decoded[id] = parsed
		}
		out = append(out, decoded)
	}
	return out, nil
}

func encodeLeafSigningJobs(jobs []*LeafRefundTxSigningJob) []map[string]interface{} {
	encoded := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		encoded = append(encoded, map[string]interface{}{
			"leaf_id":                               string(job.LeafID),
			"refund_tx_signing_job":                 encodeSigningJob(job.RefundTxSigningJob),
			"direct_refund_tx_signing_job":          encodeSigningJob(job.DirectRefundTxSigningJob),
			"direct_from_cpfp_refund_tx_signing_job": encodeSigningJob(
				job.DirectFromCPFPRefundTxSigningJob),
		})
	}
	return encoded
}

type leafSigningResultWire struct {
	LeafID                              string             `json:"leaf_id"`
	VerifyingKey                        string             `json:"verifying_key"`
	RefundTxSigningResult               *signingResultWire `json:"refund_tx_signing_result"`
	DirectRefundTxSigningResult         *signingResultWire `json:"direct_refund_tx_signing_result"`
	DirectFromCpfpRefundTxSigningResult *signingResultWire `json:"direct_from_cpfp_refund_tx_signing_result"`
}

func decodeLeafSigningResults(wires []*leafSigningResultWire) ([]*LeafRefundTxSigningResult, error) {
	results := make([]*LeafRefundTxSigningResult, 0, len(wires))
	for _, w := range wires {
		result := &LeafRefundTxSigningResult{LeafID: spark.LeafID(w.LeafID)}
		var err error
		if result.VerifyingKey, err = decodeKey(w.VerifyingKey); err != nil {
			return nil, err
		}
		if result.RefundTxSigningResult, err = decodeSigningResult(w.RefundTxSigningResult); err != nil {
			return nil, err
		}
		if w.DirectRefundTxSigningResult != nil {
			if result.DirectRefundTxSigningResult, err = decodeSigningResult(
				w.DirectRefundTxSigningResult,
			); err != nil {
				return nil, err
			}
		}
		if w.DirectFromCpfpRefundTxSigningResult != nil {
			if result.DirectFromCPFPRefundTxSigningResult, err = decodeSigningResult(
				w.DirectFromCpfpRefundTxSigningResult,
			); err != nil {
				return nil, err
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// StartTransfer implements Client.
func (c *HTTPClient) StartTransfer(ctx context.Context,
	req *StartTransferRequest) (*StartTransferResponse, error) {

	var resp struct {
		Transfer       *transferWire            `json:"transfer"`
		SigningResults []*leafSigningResultWire `json:"signing_results"`
	}
	err := c.post(ctx, "/v1/transfer/start", map[string]interface{}{
		"transfer_id":                  req.TransferID,
		"owner_identity_public_key":    encodeKey(req.OwnerIdentityPublicKey),
		"receiver_identity_public_key": encodeKey(req.ReceiverIdentityPublicKey),
		"expiry_time":                  req.ExpiryTime.Unix(),
		"leaves_to_send":               encodeLeafSigningJobs(req.LeavesToSend),
		"adaptor_public_key":           encodeKey(req.AdaptorPublicKey),
	}, &resp)
	if err != nil {
		return nil, err
	}

	transfer, err := decodeTransfer(resp.Transfer)
	if err != nil {
		return nil, &ProtocolError{Op: "start_transfer", Err: err}
	}
	results, err := decodeLeafSigningResults(resp.SigningResults)
	if err != nil {
		return nil, &ProtocolError{Op: "start_transfer", Err: err}
	}
	return &StartTransferResponse{Transfer: transfer, SigningResults: results}, nil
}

// SignTransferRefunds implements Client.
func (c *HTTPClient) SignTransferRefunds(ctx context.Context, transferID string,
	jobs []*LeafRefundTxSigningJob,
	userShares map[spark.LeafID]*RefundShareSet) ([]*LeafRefundTxSigningResult, error) {

	shares := make(map[string]map[string]string, len(userShares))
	for leafID, set := range userShares {
		entry := map[string]string{
			"refund": hex.EncodeToString(set.Refund[:]),
		}
		if set.HasDirect {
			entry["direct_refund"] = hex.EncodeToString(set.DirectRefund[:])
			entry["direct_from_cpfp_refund"] = hex.EncodeToString(set.DirectFromCPFPRefund[:])
		}
		shares[string(leafID)] = entry
	}
	var resp struct {
		SigningResults []*leafSigningResultWire `json:"signing_results"`
	}
	err := c.post(ctx, "/v1/transfer/sign_refunds", map[string]interface{}{
		"transfer_id":    transferID,
		"leaves_to_send": encodeLeafSigningJobs(jobs),
		"user_shares":    shares,
	}, &resp)
	if err != nil {
		return nil, err
	}
	results, err := decodeLeafSigningResults(resp.SigningResults)
	if err != nil {
		return nil, &ProtocolError{Op: "sign_transfer_refunds", Err: err}
	}
	return results, nil
}

// TweakTransferKeys implements Client.
func (c *HTTPClient) TweakTransferKeys(ctx context.Context,
	req *TweakTransferKeysRequest) error {

	tweaks := make([]map[string]interface{}, 0, len(req.LeavesToSend))
	for _, tweak := range req.LeavesToSend {
		shares := make(map[string]string, len(tweak.SecretShares))
		for id, blob := range tweak.SecretShares {
			shares[id.String()] = hex.EncodeToString(blob)
		}
		proofs := make([]string, 0, len(tweak.ShareProofs))
		for _, proof := range tweak.ShareProofs {
			proofs = append(proofs, encodeKey(proof))
		}
		tweaks = append(tweaks, map[string]interface{}{
			"leaf_id":       string(tweak.LeafID),
			"secret_shares": shares,
			"share_proofs":  proofs,
			"secret_cipher": hex.EncodeToString(tweak.SecretCipher),
			"signature":     hex.EncodeToString(tweak.Signature),
		})
	}
	return c.post(ctx, "/v1/transfer/tweak_keys", map[string]interface{}{
		"transfer_id":               req.TransferID,
		"owner_identity_public_key": encodeKey(req.OwnerIdentityPublicKey),
		"leaves_to_send":            tweaks,
	}, nil)
}

// QueryPendingTransfers implements Client.
func (c *HTTPClient) QueryPendingTransfers(ctx context.Context,
	identity *btcec.PublicKey) ([]*Transfer, error) {

	var resp struct {
		Transfers []*transferWire `json:"transfers"`
	}
	err := c.post(ctx, "/v1/transfer/query_pending", map[string]interface{}{
		"receiver_identity_public_key": encodeKey(identity),
	}, &resp)
	if err != nil {
		return nil, err
	}
	transfers := make([]*Transfer, 0, len(resp.Transfers))
	for _, w := range resp.Transfers {
		transfer, err := decodeTransfer(w)
		if err != nil {
			return nil, &ProtocolError{Op: "query_pending_transfers", Err: err}
		}
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

// ClaimTransfer implements Client.
func (c *HTTPClient) ClaimTransfer(ctx context.Context,
	req *ClaimTransferRequest) (*ClaimTransferResponse, error) {

	var resp struct {
		Transfer       *transferWire            `json:"transfer"`
		SigningResults []*leafSigningResultWire `json:"signing_results"`
	}
	err := c.post(ctx, "/v1/transfer/claim", map[string]interface{}{
		"transfer_id":               req.TransferID,
		"owner_identity_public_key": encodeKey(req.OwnerIdentityPublicKey),
		"leaves_to_claim":           encodeLeafSigningJobs(req.LeavesToClaim),
	}, &resp)
	if err != nil {
		return nil, err
	}
	transfer, err := decodeTransfer(resp.Transfer)
	if err != nil {
		return nil, &ProtocolError{Op: "claim_transfer", Err: err}
	}
	results, err := decodeLeafSigningResults(resp.SigningResults)
	if err != nil {
		return nil, &ProtocolError{Op: "claim_transfer", Err: err}
	}
	return &ClaimTransferResponse{Transfer: transfer, SigningResults: results}, nil
}

// ListTransfers implements Client.
func (c *HTTPClient) ListTransfers(ctx context.Context,
	req *ListTransfersRequest) (*ListTransfersResponse, error) {

	var resp struct {
		Transfers  []*transferWire `json:"transfers"`
		NextOffset int64           `json:"next_offset"`
	}
	err := c.post(ctx, "/v1/transfer/list", map[string]interface{}{
		"identity_public_key": encodeKey(req.IdentityPublicKey),
		"offset":              req.Offset,
		"limit":               req.Limit,
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := &ListTransfersResponse{NextOffset: resp.NextOffset}
	for _, w := range resp.Transfers {
		transfer, err := decodeTransfer(w)
		if err != nil {
			return nil, &ProtocolError{Op: "list_transfers", Err: err}
		}
		out.Transfers = append(out.Transfers, transfer)
	}
	return out, nil
}

// RenewLeaf implements Client.
func (c *HTTPClient) RenewLeaf(ctx context.Context,
	req *RenewLeafRequest) (*RenewLeafResponse, error) {

	jobs := make([]map[string]interface{}, 0, len(req.SignedJobs))
	for _, job := range req.SignedJobs {
		jobs = append(jobs, map[string]interface{}{
			"job_type":   int(job.JobType),
			"user_share": hex.EncodeToString(job.UserShare[:]),
			"job":        encodeSigningJob(job.Job),
		})
	}
	var resp struct {
		Node *treeNodeWire `json:"node"`
	}
	err := c.post(ctx, "/v1/tree/renew_leaf", map[string]interface{}{
		"leaf_id":     string(req.LeafID),
		"variant":     int(req.Variant),
		"signed_jobs": jobs,
	}, &resp)
	if err != nil {
		return nil, err
	}
	node, err := decodeTreeNode(resp.Node)
	if err != nil {
		return nil, &ProtocolError{Op: "renew_leaf", Err: err}
	}
	return &RenewLeafResponse{Node: node}, nil
}

// QueryNodes implements Client.
func (c *HTTPClient) QueryNodes(ctx context.Context,
	req *QueryNodesRequest) (*QueryNodesResponse, error) {

	ids := make([]string, 0, len(req.NodeIDs))
	for _, id := range req.NodeIDs {
		ids = append(ids, string(id))
	}
	var resp struct {
		Nodes      []*treeNodeWire `json:"nodes"`
		NextOffset int64           `json:"next_offset"`
	}
	err := c.post(ctx, "/v1/tree/query_nodes", map[string]interface{}{
		"node_ids":        ids,
		"owner_identity":  encodeKey(req.OwnerIdentity),
		"include_parents": req.IncludeParents,
		"network":         req.Network.String(),
		"offset":          req.Offset,
		"limit":           req.Limit,
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := &QueryNodesResponse{NextOffset: resp.NextOffset}
	for _, w := range resp.Nodes {
		node, err := decodeTreeNode(w)
		if err != nil {
			return nil, &ProtocolError{Op: "query_nodes", Err: err}
		}
		out.Nodes = append(out.Nodes, node)
	}
	return out, nil
}

// FetchStaticDepositClaimQuote implements Client.
func (c *HTTPClient) FetchStaticDepositClaimQuote(ctx context.Context, rawTx []byte,
	vout uint32) (*ClaimQuote, error) {

	var resp struct {
		Txid             string `json:"txid"`
		Vout             uint32 `json:"vout"`
		CreditAmountSats uint64 `json:"credit_amount_sats"`
		SignatureHash    string `json:"signature_hash"`
	}
	err := c.post(ctx, "/v1/deposit/claim_quote", map[string]interface{}{
		"raw_tx": hex.EncodeToString(rawTx),
		"vout":   vout,
	}, &resp)
	if err != nil {
		return nil, err
	}
	sigHash, err := decodeBytes(resp.SignatureHash)
	if err != nil {
		return nil, &ProtocolError{Op: "fetch_static_deposit_claim_quote", Err: err}
	}
	return &ClaimQuote{
		Txid:             resp.Txid,
		Vout:             resp.Vout,
		CreditAmountSats: resp.CreditAmountSats,
		SignatureHash:    sigHash,
	}, nil
}

// ClaimStaticDeposit implements Client.
func (c *HTTPClient) ClaimStaticDeposit(ctx context.Context,
	req *ClaimStaticDepositRequest) (*Transfer, error) {

	var resp struct {
		Transfer *transferWire `json:"transfer"`
	}
	err := c.post(ctx, "/v1/deposit/claim", map[string]interface{}{
		"txid":                req.Quote.Txid,
		"vout":                req.Quote.Vout,
		"credit_amount_sats":  req.Quote.CreditAmountSats,
		"identity_public_key": encodeKey(req.IdentityPublicKey),
		"signature":           hex.EncodeToString(req.Signature),
	}, &resp)
	if err != nil {
		return nil, err
	}
	transfer, err := decodeTransfer(resp.Transfer)
	if err != nil {
		return nil, &ProtocolError{Op: "claim_static_deposit", Err: err}
	}
	return transfer, nil
}

// SubscribeEvents implements Client: a websocket carrying one JSON
// event per message.
func (c *HTTPClient) SubscribeEvents(ctx context.Context,
	identity *btcec.PublicKey) (EventStream, error) {

	wsURL, err := url.Parse(c.baseURL + "/v1/events/subscribe")
	if err != nil {
		return nil, &NetworkError{Op: "subscribe_events", Err: err}
	}
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	query := wsURL.Query()
	query.Set("identity_public_key", encodeKey(identity))
	wsURL.RawQuery = query.Encode()

	conn, _, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, &NetworkError{Op: "subscribe_events", Err: err}
	}

	stream := &wsEventStream{
		conn:   conn,
		events: make(chan *Event, 16),
		quit:   make(chan struct{}),
	}
	go stream.readLoop()
	return stream, nil
}

// wsEventStream pumps websocket messages into the event channel until
// the connection drops or the stream is closed.
type wsEventStream struct {
	conn   *websocket.Conn
	events chan *Event
	quit   chan struct{}
}

type eventWire struct {
	Type            string        `json:"type"`
	Transfer        *transferWire `json:"transfer,omitempty"`
	DepositTxid     string        `json:"deposit_txid,omitempty"`
	DepositVout     uint32        `json:"deposit_vout,omitempty"`
	OptimizedLeaves int           `json:"optimized_leaves,omitempty"`
	TotalLeaves     int           `json:"total_leaves,omitempty"`
}

func (s *wsEventStream) readLoop() {
	defer close(s.events)
	s.events <- &Event{Type: EventStreamConnected}
	for {
		var wireEvent eventWire
		if err := s.conn.ReadJSON(&wireEvent); err != nil {
			select {
			case <-s.quit:
			default:
				log.Warnf("Event stream read failed: %v", err)
				s.events <- &Event{Type: EventStreamDisconnected}
			}
			return
		}
		event := &Event{
			Type:            EventType(wireEvent.Type),
			DepositTxid:     wireEvent.DepositTxid,
			DepositVout:     wireEvent.DepositVout,
			OptimizedLeaves: wireEvent.OptimizedLeaves,
			TotalLeaves:     wireEvent.TotalLeaves,
		}
		if wireEvent.Transfer != nil {
			transfer, err := decodeTransfer(wireEvent.Transfer)
			if err != nil {
				log.Errorf("Dropping malformed stream event: %v", err)
				continue
			}
			event.Transfer = transfer
		}
		select {
		case s.events <- event:
		case <-s.quit:
			return
		}
	}
}

// Events implements EventStream.
func (s *wsEventStream) Events() <-chan *Event {
	return s.events
}

// Close implements EventStream.
func (s *wsEventStream) Close() error {
	close(s.quit)
	return s.conn.Close()
}
