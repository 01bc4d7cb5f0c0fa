package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	headerTimestamp = "X-Slack-Request-Timestamp"
	headerSignature = "X-Slack-Signature"

	signatureVersion = "v0"
	maxClockSkew     = 5 * time.Minute
)

var (
	ErrSignatureMissing  = errors.New("missing signature headers")
	ErrSignatureStale    = errors.New("request timestamp outside the allowed window")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Sign returns the v0 signature of body sent at ts.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%d:", signatureVersion, ts)
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the Slack-style v0 signature of body. Timestamps
// more than five minutes away from now are rejected to stop replays.
func VerifySignature(secret string, headers http.Header, body []byte, now time.Time) error {
	timestamp := headers.Get(headerTimestamp)
	received := headers.Get(headerSignature)
	if timestamp == "" || received == "" {
		return ErrSignatureMissing
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrSignatureMissing
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > maxClockSkew || skew < -maxClockSkew {
		return ErrSignatureStale
	}
	if !hmac.Equal([]byte(Sign(secret, ts, body)), []byte(received)) {
		return ErrSignatureMismatch
	}
	return nil
}

// signed enforces VerifySignature when a signing secret is configured. The
// body is buffered and handed on unchanged.
func (s *Server) signed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.current.Load().signingSecret
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "Request body too large"})
			return
		}
		if err := VerifySignature(secret, r.Header, body, s.now()); err != nil {
			s.loggerFrom(r.Context()).Warn("rejected unsigned request", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Invalid signature"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
