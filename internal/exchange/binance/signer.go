package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// sign returns the hex-encoded HMAC-SHA256 signature of the URL-encoded
// query string. Binance signs a single HMAC-SHA256 over the exact query
// string that will be sent on the wire.
func sign(secret, queryString string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}
