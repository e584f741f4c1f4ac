package apiclient

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"sentinel/cmd/internal/auth/session"
	v1 "sentinel/shared/contracts/realtime/v1"
)

// ErrIncompleteLogin is returned when the login reply lacks a profile or credential.
var ErrIncompleteLogin = errors.New("apiclient: incomplete login response")

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	User        session.Profile `json:"user"`
	AccessToken string          `json:"accessToken"`
}

type meResponse struct {
	User session.Profile `json:"user"`
}

type alertsResponse struct {
	Alerts []v1.AlertEvent `json:"alerts"`
}

// Login exchanges credentials for a profile and an access credential. The
// refresh cookie lands in the client's jar.
func (c *Client) Login(ctx context.Context, username, password string) (session.Profile, string, error) {
	var out loginResponse
	err := c.PostJSON(ctx, "/auth/login", loginRequest{
		Username: strings.TrimSpace(username),
		Password: password,
	}, &out)
	if err != nil {
		return session.Profile{}, "", err
	}

	token := strings.TrimSpace(out.AccessToken)
	if token == "" || !out.User.Valid() {
		return session.Profile{}, "", ErrIncompleteLogin
	}
	return out.User, token, nil
}

// Revoke asks the server to invalidate the refresh credential. It is sent once
// and never refreshed: the local session is already gone when it runs.
func (c *Client) Revoke(ctx context.Context, accessToken string) error {
	req := Request{Method: http.MethodPost, Path: "/auth/logout", Header: http.Header{}}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	_, err := c.send(ctx, req, "")
	return err
}

// Me returns the profile of the current credential holder.
func (c *Client) Me(ctx context.Context) (session.Profile, error) {
	var out meResponse
	if err := c.GetJSON(ctx, "/api/me", &out); err != nil {
		return session.Profile{}, err
	}
	return out.User, nil
}

// RecentAlerts lists the most recent alerts known to the API.
func (c *Client) RecentAlerts(ctx context.Context) ([]v1.AlertEvent, error) {
	var out alertsResponse
	if err := c.GetJSON(ctx, "/api/alerts", &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}
