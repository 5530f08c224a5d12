package operator

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/spark"
)

// JSON wire shapes of the coordinator protocol. Byte fields travel as
// hex; maps keyed by operator identifier use the identifier's hex
// encoding.

type signingCommitmentWire struct {
	Hiding  string `json:"hiding"`
	Binding string `json:"binding"`
}

type signingJobWire struct {
	SigningPublicKey       string                 `json:"signing_public_key"`
	RawTx                  string                 `json:"raw_tx"`
	SigningNonceCommitment *signingCommitmentWire `json:"signing_nonce_commitment"`
}

type signingResultWire struct {
	SigningNonceCommitments map[string]*signingCommitmentWire `json:"signing_nonce_commitments"`
	SignatureShares         map[string]string                 `json:"signature_shares"`
	PublicKeys              map[string]string                 `json:"public_keys"`
}

type treeNodeWire struct {
	ID                     string `json:"id"`
	TreeID                 string `json:"tree_id"`
	ParentNodeID           string `json:"parent_node_id,omitempty"`
	Value                  uint64 `json:"value"`
	Vout                   uint32 `json:"vout"`
	NodeTx                 string `json:"node_tx"`
	DirectTx               string `json:"direct_tx,omitempty"`
	RefundTx               string `json:"refund_tx,omitempty"`
	DirectRefundTx         string `json:"direct_refund_tx,omitempty"`
	DirectFromCpfpRefundTx string `json:"direct_from_cpfp_refund_tx,omitempty"`
	VerifyingPublicKey     string `json:"verifying_public_key"`
	OwnerIdentityPublicKey string `json:"owner_identity_public_key"`
	Status                 string `json:"status"`
	SigningKeyshare        struct {
		OwnerIdentifiers []string `json:"owner_identifiers"`
		Threshold        uint32   `json:"threshold"`
	} `json:"signing_keyshare"`
}

type transferLeafWire struct {
	Leaf                 *treeNodeWire `json:"leaf"`
	SecretCipher         string        `json:"secret_cipher,omitempty"`
	Signature            string        `json:"signature,omitempty"`
	IntermediateRefundTx string        `json:"intermediate_refund_tx,omitempty"`
}

type transferWire struct {
	ID                        string              `json:"id"`
	SenderIdentityPublicKey   string              `json:"sender_identity_public_key"`
	ReceiverIdentityPublicKey string              `json:"receiver_identity_public_key"`
	Status                    string              `json:"status"`
	Type                      string              `json:"type"`
	TotalValueSats            uint64              `json:"total_value_sats"`
	ExpiryTime                int64               `json:"expiry_time"`
	CreatedAt                 int64               `json:"created_at"`
	UpdatedAt                 int64               `json:"updated_at"`
	Leaves                    []*transferLeafWire `json:"leaves"`
}

func encodeKey(key *btcec.PublicKey) string {
	if key == nil {
		return ""
	}
	return hex.EncodeToString(key.SerializeCompressed())
}

func decodeKey(s string) (*btcec.PublicKey, error) {
	if s == "" {
		return nil, fmt.Errorf("missing public key")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key hex: %w", err)
	}
	return btcec.ParsePubKey(b)
}

func decodeBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func encodeCommitment(c frost.NonceCommitment) *signingCommitmentWire {
	return &signingCommitmentWire{
		Hiding:  encodeKey(c.Hiding),
		Binding: encodeKey(c.Binding),
	}
}

func decodeCommitment(w *signingCommitmentWire) (frost.NonceCommitment, error) {
	if w == nil {
		return frost.NonceCommitment{}, fmt.Errorf("missing signing commitment")
	}
	hiding, err := decodeKey(w.Hiding)
	if err != nil {
		return frost.NonceCommitment{}, err
	}
	binding, err := decodeKey(w.Binding)
	if err != nil {
		return frost.NonceCommitment{}, err
	}
	return frost.NonceCommitment{Hiding: hiding, Binding: binding}, nil
}

func encodeSigningJob(j *SigningJob) *signingJobWire {
	if j == nil {
		return nil
	}
	return &signingJobWire{
		SigningPublicKey:       encodeKey(j.SigningPublicKey),
		RawTx:                  hex.EncodeToString(j.RawTx),
		SigningNonceCommitment: encodeCommitment(j.SigningNonceCommitment),
	}
}

func decodeSigningResult(w *signingResultWire) (*SigningResult, error) {
	if w == nil {
		return nil, fmt.Errorf("missing signing result")
	}
	result := &SigningResult{
		SigningNonceCommitments: make(map[frost.Identifier]frost.NonceCommitment),
		SignatureShares:         make(map[frost.Identifier][32]byte),
		PublicKeys:              make(map[frost.Identifier]*btcec.PublicKey),
	}
	for idHex, commitment := range w.SigningNonceCommitments {
		id, err := frost.IdentifierFromHex(idHex)
		if err != nil {
			return nil, err
		}
		decoded, err := decodeCommitment(commitment)
		if err != nil {
			return nil, err
		}
		result.SigningNonceCommitments[id] = decoded
	}
	for idHex, share := range w.SignatureShares {
		id, err := frost.IdentifierFromHex(idHex)
		if err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(share)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("operator %s: bad signature share", idHex)
		}
		var fixed [32]byte
		copy(fixed[:], raw)
		result.SignatureShares[id] = fixed
	}
	for idHex, key := range w.PublicKeys {
		id, err := frost.IdentifierFromHex(idHex)
		if err != nil {
			return nil, err
		}
		decoded, err := decodeKey(key)
		if err != nil {
			return nil, err
		}
		result.PublicKeys[id] = decoded
	}
	return result, nil
}

func decodeTreeNode(w *treeNodeWire) (*spark.TreeNode, error) {
	if w == nil {
		return nil, fmt.Errorf("missing tree node")
	}
	node := &spark.TreeNode{
		ID:       spark.LeafID(w.ID),
		TreeID:   w.TreeID,
		ParentID: spark.LeafID(w.ParentNodeID),
		Value:    w.Value,
		Vout:     w.Vout,
		Status:   spark.NodeStatus(w.Status),
	}

	var err error
	if node.VerifyingPublicKey, err = decodeKey(w.VerifyingPublicKey); err != nil {
		return nil, fmt.Errorf("node %s verifying key: %w", w.ID, err)
	}
	if node.OwnerIdentityPublicKey, err = decodeKey(w.OwnerIdentityPublicKey); err != nil {
		return nil, fmt.Errorf("node %s owner key: %w", w.ID, err)
	}

	for _, entry := range []struct {
		name    string
		encoded string
		target  **wire.MsgTx
	}{
		{"node_tx", w.NodeTx, &node.NodeTx},
		{"direct_tx", w.DirectTx, &node.DirectTx},
		{"refund_tx", w.RefundTx, &node.RefundTx},
		{"direct_refund_tx", w.DirectRefundTx, &node.DirectRefundTx},
		{"direct_from_cpfp_refund_tx", w.DirectFromCpfpRefundTx, &node.DirectFromCPFPRefundTx},
	} {
		if entry.encoded == "" {
			continue
		}
		raw, err := hex.DecodeString(entry.encoded)
		if err != nil {
			return nil, fmt.Errorf("node %s %s: %w", w.ID, entry.name, err)
		}
		tx, err := spark.DeserializeTx(raw)
		if err != nil {
			return nil, fmt.Errorf("node %s %s: %w", w.ID, entry.name, err)
		}
		*entry.target = tx
	}

	for _, idHex := range w.SigningKeyshare.OwnerIdentifiers {
		id, err := frost.IdentifierFromHex(idHex)
		if err != nil {
			return nil, fmt.Errorf("node %s keyshare: %w", w.ID, err)
		}
		node.SigningKeyshare.OwnerIdentifiers = append(
			node.SigningKeyshare.OwnerIdentifiers, id,
		)
	}
	node.SigningKeyshare.Threshold = w.SigningKeyshare.Threshold

	return node, nil
}

func decodeTransfer(w *transferWire) (*Transfer, error) {
	if w == nil {
		return nil, fmt.Errorf("missing transfer")
	}
	transfer := &Transfer{
		ID:             w.ID,
		Status:         TransferStatus(w.Status),
		Type:           TransferType(w.Type),
		TotalValueSats: w.TotalValueSats,
		ExpiryTime:     time.Unix(w.ExpiryTime, 0).UTC(),
		CreatedAt:      time.Unix(w.CreatedAt, 0).UTC(),
		UpdatedAt:      time.Unix(w.UpdatedAt, 0).UTC(),
	}
	var err error
	if transfer.SenderIdentityPublicKey, err = decodeKey(w.SenderIdentityPublicKey); err != nil {
		return nil, fmt.Errorf("transfer %s sender: %w", w.ID, err)
	}
	if transfer.ReceiverIdentityPublicKey, err = decodeKey(w.ReceiverIdentityPublicKey); err != nil {
		return nil, fmt.Errorf("transfer %s receiver: %w", w.ID, err)
	}
	for _, leafWire := range w.Leaves {
		leaf, err := decodeTreeNode(leafWire.Leaf)
		if err != nil {
			return nil, err
		}
		secretCipher, err := decodeBytes(leafWire.SecretCipher)
		if err != nil {
			return nil, fmt.Errorf("transfer %s secret cipher: %w", w.ID, err)
		}
		signature, err := decodeBytes(leafWire.Signature)
		if err != nil {
			return nil, fmt.Errorf("transfer %s signature: %w", w.ID, err)
		}
		refundTx, err := decodeBytes(leafWire.IntermediateRefundTx)
		if err != nil {
			return nil, fmt.Errorf("transfer %s refund tx: %w", w.ID, err)
		}
		transfer.Leaves = append(transfer.Leaves, &TransferLeaf{
			Leaf:                 leaf,
			SecretCipher:         secretCipher,
			Signature:            signature,
			IntermediateRefundTx: refundTx,
		})
	}
	return transfer, nil
}
