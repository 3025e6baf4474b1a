package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"globalchat/internal/transport"
)

// classify maps discordgo errors onto transport's retry classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if after, ok := rateLimited(err); ok {
		return transport.Transient(err, after)
	}

	var re *discordgo.RESTError
	if errors.As(err, &re) {
		if re.Message != nil && re.Message.Code == discordgo.ErrCodeUnknownWebhook {
			return transport.Permanent(fmt.Errorf("%w: %v", transport.ErrUnknownEndpoint, err))
		}
		if re.Response == nil {
			return transport.Transient(err, 0)
		}
		switch code := re.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			return transport.Transient(err, retryAfterHeader(re.Response.Header.Get("Retry-After")))
		case code >= 500:
			return transport.Transient(err, 0)
		default:
			return transport.Permanent(err)
		}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &ne) {
		return transport.Transient(err, 0)
	}
	return err
}

func rateLimited(err error) (time.Duration, bool) {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl != nil {
		return rateLimitDelay(rl.RateLimit), true
	}
	return 0, false
}

func rateLimitDelay(rl *discordgo.RateLimit) time.Duration {
	if rl == nil || rl.TooManyRequests == nil {
		return 0
	}
	return rl.RetryAfter
}

// retryAfterHeader parses the header's seconds value (fractional allowed).
func retryAfterHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
