package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"strconv"
	"sync"
	"time"
)

// nonceSource hands out strictly increasing millisecond nonces.
type nonceSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func (n *nonceSource) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	ms := n.now().UnixMilli()
	if ms <= n.last {
		ms = n.last + 1
	}
	n.last = ms
	return ms
}

// sign computes base64(HMAC-SHA512(secret, path || SHA256(nonce || postData))).
func sign(secret []byte, path string, nonce int64, postData string) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + postData))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
