package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/starford/assessdesk/internal/apperr"
)

// TokenSource supplies the current bearer token, if any.
type TokenSource interface {
	Token() (string, bool)
}

// Gateway performs authenticated calls against the collection endpoints.
// It never retries and never refreshes tokens: a 401 is returned to the caller.
type Gateway struct {
	client *Client
	tokens TokenSource
}

// New returns a gateway that reads the bearer token from tokens on every call.
func New(client *Client, tokens TokenSource) *Gateway {
	return &Gateway{client: client, tokens: tokens}
}

// Do sends method to the resource path and decodes a 2xx body into out (if
// non-nil). The Authorization header is omitted when no token is held; the
// request still goes out and the server decides.
func (g *Gateway) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, _ := g.tokens.Token()
	fullPath := g.client.resourcePrefix + ensureLeadingSlash(path)

	status, respBody, err := g.client.send(ctx, method, fullPath, query, token, body)
	if err != nil {
		g.client.logger.Warn("gateway: transport failure",
			slog.String("method", method),
			slog.String("path", fullPath),
			slog.String("error", err.Error()))
		return err
	}

	if status < 200 || status >= 300 {
		g.client.logFailure(method, fullPath, status, respBody)
		return &StatusError{
			Method:     method,
			Path:       fullPath,
			StatusCode: status,
			Body:       truncate(respBody),
			Kind:       KindForStatus(status),
		}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("gateway: decode %s %s: %w", method, fullPath, errors.Join(apperr.ErrServer, err))
	}
	return nil
}
