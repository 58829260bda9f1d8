package broadcast

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	kit "massdm/internal/transport"
)

// Kind is the closed set of per-recipient delivery outcomes.
type Kind int

const (
	Delivered Kind = iota
	Refused
	RateLimited
	TransportError
	UnexpectedError
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Refused:
		return "refused"
	case RateLimited:
		return "rate_limited"
	case TransportError:
		return "transport_error"
	case UnexpectedError:
		return "unexpected_error"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one delivery attempt.
type Outcome struct {
	Kind Kind
	// RetryAfter is the transport's retry hint for RateLimited (0 when absent).
	RetryAfter time.Duration
	Detail     string
}

func (o Outcome) Failed() bool { return o.Kind != Delivered }

// Classify maps the error returned by a send into an Outcome.
// Rate-limit signals win over every other classification.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Delivered}
	}
	detail := err.Error()

	var se *kit.SendError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests || se.RetryAfter > 0:
			return Outcome{Kind: RateLimited, RetryAfter: se.RetryAfter, Detail: detail}
		case se.Code == http.StatusForbidden:
			return Outcome{Kind: Refused, Detail: detail}
		default:
			return Outcome{Kind: TransportError, Detail: detail}
		}
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: TransportError, Detail: detail}
	}
	return Outcome{Kind: UnexpectedError, Detail: detail}
}
