package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	signatureVersion = "v0"
	maxRequestAge    = 5 * time.Minute

	headerTimestamp = "X-Slack-Request-Timestamp"
	headerSignature = "X-Slack-Signature"
)

// ErrInvalidSignature is returned when a request fails signature checks.
var ErrInvalidSignature = errors.New("invalid slack signature")

// VerifySignature checks the v0 request signature and rejects requests
// more than five minutes away from now.
func VerifySignature(secret, timestamp string, body []byte, signature string, now time.Time) error {
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if skew := now.Sub(time.Unix(unix, 0)).Abs(); skew > maxRequestAge {
		return fmt.Errorf("%w: timestamp off by %s", ErrInvalidSignature, skew.Truncate(time.Second))
	}
	if !hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature)) {
		return fmt.Errorf("%w: mismatch", ErrInvalidSignature)
	}
	return nil
}

// Sign computes the signature Slack sends for body at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s:", signatureVersion, timestamp)
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}
