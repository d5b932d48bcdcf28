package escalation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	signaturePrefix = "hmac-sha256:"
	receiptKDFSalt  = "aeor-escalation-kdf"
	receiptKDFInfo  = "receipt-v1"
)

// WithSigningSecret makes the manager sign receipts with a key derived from secret.
// An empty secret leaves receipts unsigned.
func (m *Manager) WithSigningSecret(secret []byte) (*Manager, error) {
	if len(secret) == 0 {
		m.signingKey = nil
		return m, nil
	}
	key, err := deriveReceiptKey(secret)
	if err != nil {
		return nil, err
	}
	m.signingKey = key
	return m, nil
}

// VerifyReceipt reports whether r carries a valid signature from this manager.
// It returns false when signing is disabled.
func (m *Manager) VerifyReceipt(r *Receipt) bool {
	if m.signingKey == nil || r == nil || !strings.HasPrefix(r.Signature, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(r.Signature, signaturePrefix))
	if err != nil {
		return false
	}
	return hmac.Equal(got, m.mac(r))
}

func (m *Manager) sign(r *Receipt) {
	if m.signingKey == nil {
		return
	}
	r.Signature = signaturePrefix + hex.EncodeToString(m.mac(r))
}

// mac covers the receipt id, the resolution time and the content hash.
func (m *Manager) mac(r *Receipt) []byte {
	h := hmac.New(sha256.New, m.signingKey)
	_, _ = fmt.Fprintf(h, "%s\n%d\n%s", r.ReceiptID, r.ResolvedAt.UnixNano(), r.ContentHash)
	return h.Sum(nil)
}

func deriveReceiptKey(secret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, []byte(receiptKDFSalt), []byte(receiptKDFInfo))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("escalation: key derivation failed: %w", err)
	}
	return key, nil
}
