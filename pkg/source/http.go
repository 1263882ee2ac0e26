package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
)

var (
	errRateLimited = errors.New("rate limited")
	errServerError = errors.New("server error")
	errUnexpected  = errors.New("unexpected status code")
)

// ClientOptions tunes the shared upstream HTTP client.
type ClientOptions struct {
	Timeout   time.Duration
	Retries   int
	RetryWait time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryWait <= 0 {
		o.RetryWait = time.Second
	}
	return o
}

// upstream bundles a resty client with a circuit breaker for one provider.
type upstream struct {
	name    SourceType
	client  *resty.Client
	circuit *gobreaker.CircuitBreaker
}

func newUpstream(name SourceType, opts ClientOptions) *upstream {
	opts = opts.withDefaults()

	client := resty.New()
	client.SetTimeout(opts.Timeout)
	client.SetRetryCount(opts.Retries)
	client.SetRetryWaitTime(opts.RetryWait)
	client.AddRetryCondition(retryableStatus)
	client.SetHeader("Accept", "application/json")
	client.SetHeader("User-Agent", "ridecast/1.0")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(name),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})

	return &upstream{name: name, client: client, circuit: cb}
}

// retryableStatus retries transport errors, rate limiting and server errors.
func retryableStatus(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code >= 500
}

// get issues a GET through the breaker and returns the body of a 2xx response.
// Failures are reported as *TransportError.
func (u *upstream) get(ctx context.Context, url string, query map[string]string) ([]byte, error) {
	result, err := u.circuit.Execute(func() (interface{}, error) {
		req := u.client.R().SetContext(ctx)
		if len(query) > 0 {
			req.SetQueryParams(query)
		}
		resp, err := req.Get(url)
		if err != nil {
			return nil, err
		}

		switch code := resp.StatusCode(); {
		case code == http.StatusTooManyRequests:
			return nil, errRateLimited
		case code >= 500:
			return nil, fmt.Errorf("%w: %d", errServerError, code)
		case code < 200 || code >= 300:
			return nil, fmt.Errorf("%w: %d", errUnexpected, code)
		}
		return resp.Body(), nil
	})
	if err != nil {
		return nil, &TransportError{Source: u.name, Err: err}
	}

	body, ok := result.([]byte)
	if !ok {
		return nil, &TransportError{Source: u.name, Err: fmt.Errorf("unexpected result type %T", result)}
	}
	return body, nil
}
