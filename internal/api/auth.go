package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Register creates an account and returns its access token.
func (c *Client) Register(ctx context.Context, email, username, password string) (string, error) {
	payload := map[string]string{"email": email, "username": username, "password": password}
	body, err := jsonBody(payload)
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/register", body, false)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.token(req)
}

// Login exchanges username and password for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	q := url.Values{}
	q.Set("username", username)
	q.Set("password", password)
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/token?"+q.Encode(), nil, false)
	if err != nil {
		return "", err
	}
	return c.token(req)
}

func (c *Client) token(req *http.Request) (string, error) {
	var out tokenResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", errors.New("token response has no access_token")
	}
	return out.AccessToken, nil
}
