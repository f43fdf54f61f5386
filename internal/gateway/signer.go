package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces and checks the gateway's payment signatures:
// hex(HMAC-SHA256(secret, orderRef + "|" + transactionID)).
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Sign(orderRef, transactionID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(orderRef + "|" + transactionID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(orderRef, transactionID, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(orderRef + "|" + transactionID))
	return hmac.Equal(got, mac.Sum(nil))
}
