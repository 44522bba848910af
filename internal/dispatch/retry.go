package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// DefaultRetryCooldown is the fixed wait before the single in-flight retry.
const DefaultRetryCooldown = 3 * time.Second

// Classification is the retry verdict for one delivery failure.
type Classification int

const (
	// Terminal failures are not worth a second attempt.
	Terminal Classification = iota
	// Retryable failures get exactly one more attempt after a cooldown.
	Retryable
)

// retryableStatus matches upstream HTTP status codes that indicate a
// transient condition. The word boundary keeps phone digits in error
// messages from matching.
var retryableStatus = regexp.MustCompile(`\b(429|502|503|504)\b`)

// retryableFragments are lowercase substrings of known transient failures,
// including gateway session states that resolve on their own.
var retryableFragments = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"too many requests",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"not connected",
	"session not found",
}

// Classify decides whether a delivery failure is worth retrying. Network and
// timeout errors, transient upstream statuses and gateway session states are
// retryable; everything else, invalid-number rejections included, is terminal.
func Classify(err error) Classification {
	if err == nil {
		return Terminal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}
	msg := strings.ToLower(err.Error())
	if retryableStatus.MatchString(msg) {
		return Retryable
	}
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return Retryable
		}
	}
	return Terminal
}

// RetryPolicy performs one bounded re-attempt with a fixed cooldown. Repeated
// dues are re-queued by the batch cycle instead of looping here.
type RetryPolicy struct {
	cooldown time.Duration
}

// NewRetryPolicy creates a retry policy with the given cooldown between the
// first failure and the single retry. Non-positive cooldowns fall back to the
// default.
func NewRetryPolicy(cooldown time.Duration) *RetryPolicy {
	if cooldown <= 0 {
		cooldown = DefaultRetryCooldown
	}
	return &RetryPolicy{cooldown: cooldown}
}

// Do runs send, retrying once after the cooldown when the first failure is
// retryable. The returned error wraps models.ErrDeliveryRetryable or
// models.ErrDeliveryTerminal so callers can map it to an outcome.
func (p *RetryPolicy) Do(ctx context.Context, send func() error) error {
	err := send()
	if err == nil {
		return nil
	}
	if Classify(err) == Terminal {
		return fmt.Errorf("%w: %w", models.ErrDeliveryTerminal, err)
	}
	slog.Debug("RetryPolicy.Do: transient failure, retrying after cooldown", "cooldown", p.cooldown, "error", err)

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", models.ErrDeliveryRetryable, ctx.Err())
	case <-time.After(p.cooldown):
	}

	if err := send(); err != nil {
		if Classify(err) == Retryable {
			return fmt.Errorf("%w: retry failed: %w", models.ErrDeliveryRetryable, err)
		}
		return fmt.Errorf("%w: retry failed: %w", models.ErrDeliveryTerminal, err)
	}
	return nil
}
