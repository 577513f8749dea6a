package settlement

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/atmx/prediction-amm/internal/errs"
	"github.com/atmx/prediction-amm/internal/model"
)

var ErrInvalidProof = errs.New(errs.InvalidInput, "INVALID_PROOF", "settlement: proof does not match its hash")

// proofPayload is the canonical proof document. Field order is the wire
// order; amounts are decimal strings and the timestamp is Unix milliseconds.
type proofPayload struct {
	SessionID     string `json:"sessionId"`
	MarketID      string `json:"marketId"`
	UserID        string `json:"userId"`
	WinningShares string `json:"winningShares"`
	LosingShares  string `json:"losingShares"`
	GrossPayout   string `json:"grossPayout"`
	ProtocolFee   string `json:"protocolFee"`
	NetPayout     string `json:"netPayout"`
	PnL           string `json:"pnl"`
	Timestamp     int64  `json:"timestamp"`
}

// Proof is a settlement proof ready to be relayed to a settlement authority.
type Proof struct {
	EncodedProof string `json:"encoded_proof"` // base64(canonical JSON)
	ProofHash    string `json:"proof_hash"`    // 0x + hex(keccak256(canonical JSON))
	PnL          string `json:"pnl"`
}

// GenerateSettlementProof encodes a user settlement for external
// verification. The same inputs always produce the same bytes and hash.
func GenerateSettlementProof(s model.UserSettlement, marketID, sessionID string, at time.Time) (Proof, error) {
	doc, err := canonicalJSON(s, marketID, sessionID, at)
	if err != nil {
		return Proof{}, err
	}
	return Proof{
		EncodedProof: base64.StdEncoding.EncodeToString(doc),
		ProofHash:    digest(doc),
		PnL:          s.ProfitLoss.String(),
	}, nil
}

// VerifySettlementProof checks that encoded decodes to a document whose
// digest is hash.
func VerifySettlementProof(encoded, hash string) error {
	doc, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ErrInvalidProof.With("bad base64")
	}
	if digest(doc) != hash {
		return ErrInvalidProof
	}
	return nil
}

func canonicalJSON(s model.UserSettlement, marketID, sessionID string, at time.Time) ([]byte, error) {
	payload := proofPayload{
		SessionID:     sessionID,
		MarketID:      marketID,
		UserID:        s.UserID,
		WinningShares: s.WinningShares.String(),
		LosingShares:  s.LosingShares.String(),
		GrossPayout:   s.GrossPayout.String(),
		ProtocolFee:   s.ProtocolFee.String(),
		NetPayout:     s.NetPayout.String(),
		PnL:           s.ProfitLoss.String(),
		Timestamp:     at.UnixMilli(),
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("encode settlement proof: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func digest(doc []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(doc)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
