package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sarchlab/vmshadow/monitoring"
)

var errIncomplete = errors.New("allocation change incomplete")

const defaultRetryFor = time.Minute

// A client talks to the monitor of a running sandbox.
type client struct {
	base string
	http *http.Client

	retryFor time.Duration
}

func newClient(addr string) *client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	return &client{
		base:     strings.TrimSuffix(base, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		retryFor: defaultRetryFor,
	}
}

func (c *client) do(method, path string) (int, []byte, error) {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return 0, nil, err
	}

	rsp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer rsp.Body.Close()

	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return 0, nil, err
	}

	return rsp.StatusCode, body, nil
}

func (c *client) mustOK(method, path string) ([]byte, error) {
	status, body, err := c.do(method, path)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %d %s",
			method, path, status, strings.TrimSpace(string(body)))
	}

	return body, nil
}

func (c *client) domains() ([]monitoring.DomainSummary, error) {
	body, err := c.mustOK(http.MethodGet, "/api/domains")
	if err != nil {
		return nil, err
	}

	var list []monitoring.DomainSummary
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decoding domains: %w", err)
	}

	return list, nil
}

func (c *client) blow(domain int) error {
	path := "/api/blow_tables"
	if domain > 0 {
		path = fmt.Sprintf("/api/domain/%d/blow_tables", domain)
	}

	_, err := c.mustOK(http.MethodPost, path)

	return err
}

func (c *client) allocation(domain int) (int, error) {
	body, err := c.mustOK(http.MethodGet,
		fmt.Sprintf("/api/domain/%d/allocation", domain))
	if err != nil {
		return 0, err
	}

	return decodeAllocation(body)
}

// setAllocation resizes the pool of a domain. The monitor answers 202 while
// the resize is still in progress; the request is repeated with exponential
// backoff until it completes.
func (c *client) setAllocation(domain, mb int) (int, error) {
	path := fmt.Sprintf("/api/domain/%d/allocation/%d", domain, mb)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = c.retryFor

	result := 0
	op := func() error {
		status, body, err := c.do(http.MethodPut, path)
		if err != nil {
			return backoff.Permanent(err)
		}

		switch status {
		case http.StatusOK:
			result, err = decodeAllocation(body)
			if err != nil {
				return backoff.Permanent(err)
			}

			return nil
		case http.StatusAccepted:
			return errIncomplete
		default:
			return backoff.Permanent(fmt.Errorf("PUT %s: %d %s",
				path, status, strings.TrimSpace(string(body))))
		}
	}

	if err := backoff.Retry(op, b); err != nil {
		return 0, err
	}

	return result, nil
}

func decodeAllocation(body []byte) (int, error) {
	var rsp monitoring.AllocationRsp
	if err := json.Unmarshal(body, &rsp); err != nil {
		return 0, fmt.Errorf("decoding allocation: %w", err)
	}

	return rsp.MB, nil
}
