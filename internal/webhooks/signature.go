package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Outbound headers. Everything under headerPrefix is reserved.
const (
	headerPrefix    = "X-Recap-"
	HeaderEvent     = "X-Recap-Event"
	HeaderDelivery  = "X-Recap-Delivery"
	HeaderTimestamp = "X-Recap-Timestamp"
	HeaderSignature = "X-Recap-Signature"
	userAgent       = "Recap-Webhooks/1.0"
)

// Sign returns "sha256=<hex>" over "<unix timestamp>.<payload>", or "" when
// secret is empty. Binding the timestamp lets receivers reject replays.
func Sign(payload []byte, timestamp time.Time, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp.Unix(), 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a delivery as a receiver would: timestamp is the
// X-Recap-Timestamp header value and deliveries older than tolerance fail.
// A zero tolerance skips the age check.
func VerifySignature(payload []byte, timestamp, signature, secret string, tolerance time.Duration, now time.Time) bool {
	if secret == "" || signature == "" {
		return false
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	ts := time.Unix(unix, 0)
	if tolerance > 0 {
		if age := now.Sub(ts); age > tolerance || age < -tolerance {
			return false
		}
	}
	return hmac.Equal([]byte(signature), []byte(Sign(payload, ts, secret)))
}
