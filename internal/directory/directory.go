// Package directory holds the synchronous facades over the Project and User
// services. Every call distinguishes a missing entity (ErrNotFound, never
// retried) from an unreachable upstream (ErrUnavailable, retried once with
// backoff before being surfaced).
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"taskline/internal/domain"
)

var (
	ErrNotFound    = errors.New("entity not found")
	ErrUnavailable = errors.New("upstream unavailable")
)

const (
	defaultTimeout      = 5 * time.Second
	defaultRetryInitial = 200 * time.Millisecond
	maxRetries          = 1
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BackOff implementations are stateful; always build a fresh one per call.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultRetryInitial
	return backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)
}

// do issues one request per attempt and decodes a 2xx body into out.
// Transport failures and 5xx responses are retryable; 404 is ErrNotFound.
func (c client) do(ctx context.Context, method, endpoint string, body, out any) error {
	op := func() error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(err)
			}
			reader = strings.NewReader(string(data))
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		res, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer res.Body.Close()
		switch {
		case res.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case res.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
		case res.StatusCode >= 300:
			data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			return backoff.Permanent(fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(data))))
		}
		if out != nil {
			if err := json.NewDecoder(res.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}
	if err := backoff.Retry(op, newRetryBackoff(ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// ProjectClient talks to the Project service.
type ProjectClient struct {
	client
}

func NewProjectClient(baseURL string, timeout time.Duration) *ProjectClient {
	return &ProjectClient{client: newClient(baseURL, timeout)}
}

// GetProject verifies project existence and returns its record.
func (c *ProjectClient) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	var p domain.Project
	err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &p)
	return p, err
}

// RegisterEpic records a new epic under its project.
func (c *ProjectClient) RegisterEpic(ctx context.Context, projectID, epicID string) error {
	endpoint := fmt.Sprintf("/projects/%s/epics/%s", url.PathEscape(projectID), url.PathEscape(epicID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// RegisterStory records a new story under its project.
func (c *ProjectClient) RegisterStory(ctx context.Context, projectID, storyID string) error {
	endpoint := fmt.Sprintf("/projects/%s/stories/%s", url.PathEscape(projectID), url.PathEscape(storyID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// UserClient talks to the User service.
type UserClient struct {
	client
}

func NewUserClient(baseURL string, timeout time.Duration) *UserClient {
	return &UserClient{client: newClient(baseURL, timeout)}
}

// GetMember verifies a member identity and returns its record.
func (c *UserClient) GetMember(ctx context.Context, memberID string) (domain.Member, error) {
	var m domain.Member
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(memberID), nil, &m)
	return m, err
}
