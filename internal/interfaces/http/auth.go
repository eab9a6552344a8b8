package http

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerTimestamp = "X-OSA-Timestamp"
	headerNonce     = "X-OSA-Nonce"
	headerSignature = "X-OSA-Signature"

	// maxSkew bounds how far a request timestamp may drift from server time.
	maxSkew = 5 * time.Minute
	// nonceWindow is how long a seen nonce stays rejected. Must cover maxSkew
	// in both directions.
	nonceWindow = 5 * time.Minute
)

// NonceCache rejects replayed nonces inside a TTL window.
type NonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

// NewNonceCache creates a cache whose entries expire after ttl.
func NewNonceCache(ttl time.Duration) *NonceCache {
	if ttl <= 0 {
		ttl = nonceWindow
	}
	return &NonceCache{seen: make(map[string]time.Time), ttl: ttl}
}

// Remember records the nonce, reporting false if it was already present.
// Expired entries are swept opportunistically on each call.
func (c *NonceCache) Remember(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n, at := range c.seen {
		if now.Sub(at) > c.ttl {
			delete(c.seen, n)
		}
	}
	if _, dup := c.seen[nonce]; dup {
		return false
	}
	c.seen[nonce] = now
	return true
}

// Sign computes the request signature: hex HMAC-SHA256 over
// timestamp || nonce || body. Exported for clients and tests.
func Sign(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonce))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACAuth verifies the three auth headers on every request. The body is
// read for signing and restored for downstream handlers.
func HMACAuth(secret string, nonces *NonceCache, logger *zap.Logger) gin.HandlerFunc {
	log := logger.With(zap.String("component", "http_auth"))
	return func(c *gin.Context) {
		timestamp := c.GetHeader(headerTimestamp)
		nonce := c.GetHeader(headerNonce)
		signature := c.GetHeader(headerSignature)
		if timestamp == "" || nonce == "" || signature == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}

		unix, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid timestamp"})
			return
		}
		now := time.Now()
		if drift := now.Sub(time.Unix(unix, 0)); drift > maxSkew || drift < -maxSkew {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "timestamp out of window"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		expected := Sign(secret, timestamp, nonce, body)
		if !hmac.Equal([]byte(expected), []byte(signature)) {
			log.Warn("Rejected request with bad signature",
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
			return
		}

		// Nonce check comes after the signature so attackers cannot burn
		// nonces they did not sign for.
		if !nonces.Remember(nonce, now) {
			log.Warn("Rejected replayed nonce", zap.String("ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce replayed"})
			return
		}

		c.Next()
	}
}
