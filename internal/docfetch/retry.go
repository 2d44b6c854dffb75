package docfetch

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// backoffPolicy spaces retry attempts with jittered exponential delays so
// parallel workers retrying against the same gateway do not re-align.
type backoffPolicy struct {
	base time.Duration
	max  time.Duration
}

func defaultBackoff() backoffPolicy {
	return backoffPolicy{base: 250 * time.Millisecond, max: 5 * time.Second}
}

func (p backoffPolicy) wait(attempt int) time.Duration {
	delay := float64(p.base) * math.Pow(2, float64(attempt))
	if delay > float64(p.max) {
		delay = float64(p.max)
	}
	half := time.Duration(delay) / 2
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// retryable reports whether the failure is worth another in-run attempt.
// Gateway-class statuses and transient network timeouts qualify; client
// errors, auth failures, and canceled contexts are terminal.
func retryable(resp *resty.Response, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return netErr.Timeout()
		}
		return false
	}
	if resp == nil {
		return false
	}
	switch resp.StatusCode() {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
