package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// Reference returns <prefix>_<unix millis>_<n base36 chars>. Collisions need the
// same millisecond and the same random suffix.
func Reference(prefix string, at time.Time, n int) string {
	if n < 1 {
		n = 9
	}
	return fmt.Sprintf("%s_%d_%s", prefix, at.UnixMilli(), randomBase36(n))
}

func randomBase36(n int) string {
	var b strings.Builder
	b.Grow(n)
	limit := big.NewInt(int64(len(base36)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			b.WriteByte(base36[time.Now().UnixNano()%int64(len(base36))])
			continue
		}
		b.WriteByte(base36[idx.Int64()])
	}
	return b.String()
}
