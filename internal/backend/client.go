package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
)

// Client is a BidWin API HTTP client
type Client struct {
	rc       *resty.Client
	validate *validator.Validate
}

// NewClient creates a new BidWin API client
func NewClient(baseURL string, timeout time.Duration) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	return &Client{
		rc:       rc,
		validate: validator.New(),
	}
}

func (c *Client) do(ctx context.Context, op, method, path, token string, pathParams map[string]string, body interface{}) (*envelope, error) {
	req := c.rc.R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	if pathParams != nil {
		req.SetPathParams(pathParams)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(resp.Body(), &env)

	if resp.StatusCode() >= 400 {
		return nil, &APIError{
			Op:      op,
			Status:  resp.StatusCode(),
			Code:    int64(env.Code),
			Message: env.Message,
		}
	}
	if decodeErr != nil {
		return nil, &ValidationError{Op: op, Err: fmt.Errorf("decode envelope: %w", decodeErr)}
	}

	code := int64(env.Code)
	if code != 0 && code != codeOK {
		return nil, &APIError{Op: op, Status: resp.StatusCode(), Code: code, Message: env.Message}
	}
	if !env.Success {
		return nil, &APIError{Op: op, Status: resp.StatusCode(), Code: codeBusiness, Message: env.Message}
	}

	return &env, nil
}

func (c *Client) decode(op string, data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return &ValidationError{Op: op, Err: fmt.Errorf("missing data")}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ValidationError{Op: op, Err: err}
	}
	return nil
}

func (c *Client) check(op string, v interface{}) error {
	if err := c.validate.Struct(v); err != nil {
		return &ValidationError{Op: op, Err: err}
	}
	return nil
}

// Authenticate exchanges Telegram init data (or the dev payload) for a
// profile and an API token
func (c *Client) Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	const op = "auth"

	env, err := c.do(ctx, op, http.MethodPost, "/mini-app/auth", "", nil, req)
	if err != nil {
		return nil, err
	}

	var profile Profile
	if err := c.decode(op, env.Data, &profile); err != nil {
		return nil, err
	}
	if err := c.check(op, &profile); err != nil {
		return nil, err
	}
	if env.Token == "" {
		return nil, &ValidationError{Op: op, Err: fmt.Errorf("missing token")}
	}

	return &AuthResult{Profile: profile, Token: env.Token}, nil
}

// WithToken returns a client authenticated as one user
func (c *Client) WithToken(token string) *UserClient {
	return &UserClient{c: c, token: token}
}

// UserClient issues requests on behalf of one authenticated user
type UserClient struct {
	c     *Client
	token string
}

// Items returns the auction listing
func (u *UserClient) Items(ctx context.Context) ([]Item, error) {
	const op = "items"

	env, err := u.c.do(ctx, op, http.MethodGet, "/items", u.token, nil, nil)
	if err != nil {
		return nil, err
	}

	var items []Item
	if err := u.c.decode(op, env.Data, &items); err != nil {
		return nil, err
	}
	for i := range items {
		if err := u.c.check(op, &items[i]); err != nil {
			return nil, err
		}
	}

	return items, nil
}

// Packages returns the points package catalog
func (u *UserClient) Packages(ctx context.Context) ([]Package, error) {
	const op = "packages"

	env, err := u.c.do(ctx, op, http.MethodGet, "/packages", u.token, nil, nil)
	if err != nil {
		return nil, err
	}

	var packages []Package
	if err := u.c.decode(op, env.Data, &packages); err != nil {
		return nil, err
	}
	for i := range packages {
		if err := u.c.check(op, &packages[i]); err != nil {
			return nil, err
		}
	}

	return packages, nil
}

// Bundles returns the subscription bundle catalog
func (u *UserClient) Bundles(ctx context.Context) ([]Bundle, error) {
	const op = "bundles"

	env, err := u.c.do(ctx, op, http.MethodGet, "/bundles", u.token, nil, nil)
	if err != nil {
		return nil, err
	}

	var bundles []Bundle
	if err := u.c.decode(op, env.Data, &bundles); err != nil {
		return nil, err
	}
	for i := range bundles {
		if err := u.c.check(op, &bundles[i]); err != nil {
			return nil, err
		}
	}

	return bundles, nil
}

// Purchase opens a topup request for a package
func (u *UserClient) Purchase(ctx context.Context, packageID int64, paymentMethod string) (*PurchaseResult, error) {
	const op = "purchase"

	params := map[string]string{"id": strconv.FormatInt(packageID, 10)}
	body := map[string]string{"payment_method": paymentMethod}

	env, err := u.c.do(ctx, op, http.MethodPost, "/packages/{id}/purchase", u.token, params, body)
	if err != nil {
		return nil, err
	}

	var result PurchaseResult
	if err := u.c.decode(op, env.Data, &result); err != nil {
		return nil, err
	}
	if err := u.c.check(op, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// SubmitHash attaches the user's transaction hash to a topup request
func (u *UserClient) SubmitHash(ctx context.Context, reference, txnHash string) (*SubmitHashResult, error) {
	const op = "submit hash"

	params := map[string]string{"reference": reference}
	body := map[string]string{"txn_hash": txnHash}

	env, err := u.c.do(ctx, op, http.MethodPost, "/topup-requests/{reference}/txn-hash/submit", u.token, params, body)
	if err != nil {
		return nil, err
	}

	var result SubmitHashResult
	if err := u.c.decode(op, env.Data, &result); err != nil {
		return nil, err
	}
	if err := u.c.check(op, &result); err != nil {
		return nil, err
	}
	result.Message = env.Message

	return &result, nil
}
