package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	syncErrors "github.com/halcyonlabs/offsync/errors"
	"github.com/halcyonlabs/offsync/logging"
)

// ForceHeader tells the server to skip its version check and accept the
// payload as-is. Sent after conflict resolution selects the local version.
const ForceHeader = "X-Sync-Force"

// HTTPEndpoint implements Endpoint against a REST backend:
//
//	POST   /{entityType}        create
//	PATCH  /{entityType}/{id}   update (409 with current server record on conflict)
//	DELETE /{entityType}/{id}   delete
type HTTPEndpoint struct {
	baseURL string
	client  *http.Client
	tokens  TokenProvider
	logger  *logging.Logger
}

var _ Endpoint = (*HTTPEndpoint)(nil)

// HTTPOptions configures an HTTPEndpoint.
type HTTPOptions struct {
	// Client defaults to http.DefaultClient. Per-request timeouts are the
	// worker's responsibility via context deadlines.
	Client *http.Client

	// Tokens supplies bearer tokens. Optional; requests go unauthenticated
	// without it.
	Tokens TokenProvider

	// Logger defaults to logging.Discard().
	Logger *logging.Logger
}

// NewHTTPEndpoint creates an endpoint rooted at baseURL.
func NewHTTPEndpoint(baseURL string, opts *HTTPOptions) (*HTTPEndpoint, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}

	var o HTTPOptions
	if opts != nil {
		o = *opts
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}

	return &HTTPEndpoint{
		baseURL: baseURL,
		client:  o.Client,
		tokens:  o.Tokens,
		logger:  o.Logger.WithComponent("transport"),
	}, nil
}

func (e *HTTPEndpoint) Create(ctx context.Context, entityType string, rec Record) error {
	return e.send(ctx, http.MethodPost, e.url(entityType), entityType, rec, false)
}

func (e *HTTPEndpoint) Update(ctx context.Context, entityType string, rec Record, force bool) error {
	return e.send(ctx, http.MethodPatch, e.url(entityType, rec.ID), entityType, rec, force)
}

func (e *HTTPEndpoint) Delete(ctx context.Context, entityType, id string) error {
	req, err := e.newRequest(ctx, http.MethodDelete, e.url(entityType, id), nil)
	if err != nil {
		return err
	}
	return e.execute(req, entityType, id)
}

func (e *HTTPEndpoint) url(parts ...string) string {
	u := e.baseURL
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func (e *HTTPEndpoint) send(ctx context.Context, method, url, entityType string, rec Record, force bool) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return syncErrors.NewValidation(syncErrors.OpTransport, err)
	}

	req, err := e.newRequest(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if force {
		req.Header.Set(ForceHeader, "true")
	}

	return e.execute(req, entityType, rec.ID)
}

func (e *HTTPEndpoint) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, syncErrors.New(syncErrors.OpTransport, err)
	}

	if e.tokens != nil {
		token, err := e.tokens.Token(ctx)
		if err != nil {
			return nil, syncErrors.NewAuth(syncErrors.OpTransport, fmt.Errorf("token provider: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (e *HTTPEndpoint) execute(req *http.Request, entityType, entityID string) error {
	resp, err := e.client.Do(req)
	if err != nil {
		// Connection refused, DNS failure, context deadline: all transient
		// from the queue's point of view.
		return syncErrors.NewTransient(syncErrors.OpTransport, err)
	}
	defer resp.Body.Close()

	return e.classify(resp, entityType, entityID)
}

// classify maps the HTTP status to the engine's error taxonomy.
func (e *HTTPEndpoint) classify(resp *http.Response, entityType, entityID string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusConflict:
		var server Record
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&server); err != nil {
			// A 409 without a parseable server record cannot be resolved;
			// retry and let the server try again.
			return syncErrors.NewTransient(syncErrors.OpTransport,
				fmt.Errorf("conflict response without server record: %w", err))
		}
		return syncErrors.NewConflict(syncErrors.OpTransport, &ConflictError{
			EntityType: entityType,
			EntityID:   entityID,
			Server:     server,
		})

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return syncErrors.NewAuth(syncErrors.OpTransport,
			fmt.Errorf("%s %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status))

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return syncErrors.NewValidation(syncErrors.OpTransport,
			fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(detail)))

	default:
		return syncErrors.NewTransient(syncErrors.OpTransport,
			fmt.Errorf("%s %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status))
	}
}

// AsConflict unwraps a ConflictError from a classified transport error.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
