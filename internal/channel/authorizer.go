package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AuthorizationError carries the status code reported back to the requesting
// connection via subscription_error. Transport failures map to status 500.
type AuthorizationError struct {
	StatusCode int
	Reason     string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed (%d): %s", e.StatusCode, e.Reason)
}

// AuthResponse is the success side of the authorization handshake. For
// presence channels ChannelData carries the member payload, either as an
// object or as a JSON-encoded string.
type AuthResponse struct {
	ChannelData json.RawMessage `json:"channel_data,omitempty"`
}

// Authorizer asks the upstream application whether a connection may join a
// private or presence channel. The call runs on the requesting connection's
// goroutine only, so a slow upstream never stalls other connections.
type Authorizer struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

func NewAuthorizer(host, endpoint string, timeout time.Duration, log *slog.Logger) *Authorizer {
	return &Authorizer{
		endpoint: strings.TrimRight(host, "/") + endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

func (a *Authorizer) Authorize(ctx context.Context, connID, channel, auth string) (*AuthResponse, *AuthorizationError) {
	body, err := json.Marshal(map[string]string{
		"channel_name": channel,
		"socket_id":    connID,
	})
	if err != nil {
		return nil, &AuthorizationError{StatusCode: http.StatusInternalServerError, Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &AuthorizationError{StatusCode: http.StatusInternalServerError, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &AuthorizationError{
			StatusCode: http.StatusInternalServerError,
			Reason:     fmt.Sprintf("auth request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &AuthorizationError{
			StatusCode: resp.StatusCode,
			Reason:     fmt.Sprintf("client is not authorized to join %s", channel),
		}
	}

	var res AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil && err != io.EOF {
		a.log.Debug("Auth response body not decodable", "channel", channel, "error", err)
	}
	return &res, nil
}
