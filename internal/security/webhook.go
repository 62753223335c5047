package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook deliveries carry a signature header of the form
// "t=<unix>,v1=<hex hmac>". The HMAC covers "<unix>.<payload>" with the
// shared signing secret, and the timestamp bounds replay. Verification
// happens before the event reaches the ledger; an unverifiable delivery is
// rejected outright and causes no state change.

// ErrBadSignature is returned for any unverifiable webhook signature.
var ErrBadSignature = errors.New("webhook signature verification failed")

// SignWebhookPayload produces the signature header value for a payload.
// Used by the server's tests and by provider simulators.
func SignWebhookPayload(secret string, timestamp time.Time, payload []byte) string {
	ts := strconv.FormatInt(timestamp.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// VerifyWebhookSignature checks a signature header against the payload.
// Comparison is constant-time. Timestamps outside the tolerance window are
// rejected to bound replay.
func VerifyWebhookSignature(header string, payload []byte, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" || secret == "" {
		return ErrBadSignature
	}

	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrBadSignature
	}

	tsUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	delta := now.Sub(time.Unix(tsUnix, 0))
	if delta < -tolerance || delta > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, sig := range sigs {
		got, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrBadSignature
}
