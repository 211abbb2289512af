// Package bitmex holds the request signing shared by the REST and realtime
// clients.
package bitmex

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRESTURL = "https://www.bitmex.com"
	DefaultWSURL   = "wss://ws.bitmex.com/realtime"
	APIPrefix      = "/api/v1"
)

type Credentials struct {
	Key    string
	Secret string
}

func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.Key) == "" || strings.TrimSpace(c.Secret) == ""
}

// Sign returns hex(HMAC_SHA256(secret, verb + path + expires + body)). path
// includes the /api/v1 prefix and the encoded query string.
func Sign(secret, verb, path string, expires int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.ToUpper(verb)))
	mac.Write([]byte(path))
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Expires is the unix second after which a signed request is rejected.
func Expires(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return now.Add(ttl).Unix()
}
