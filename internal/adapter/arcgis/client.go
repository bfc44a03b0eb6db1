// Package arcgis publishes features to an ArcGIS Online hosted feature layer
// through the ArcGIS REST API.
package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/geobc/ems-aquifer-sync/internal/domain"
)

// Platform error codes for an invalid or missing token.
const (
	codeInvalidToken  = 498
	codeTokenRequired = 499
)

// Options configures a Client.
type Options struct {
	PortalURL       string
	Username        string
	Password        string
	ItemID          string
	LayerIndex      int
	BatchSize       int
	Workers         int
	RateLimit       float64 // requests per second; <= 0 disables limiting
	TokenExpiration time.Duration
}

// Client talks to an ArcGIS portal. It holds no credentials state of its own:
// Open returns a Session that owns the token for one run.
type Client struct {
	portalURL  string
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates an ArcGIS client.
func NewClient(opts Options, httpClient *http.Client, logger *slog.Logger) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 250
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.TokenExpiration <= 0 {
		opts.TokenExpiration = time.Hour
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &Client{
		portalURL:  strings.TrimRight(opts.PortalURL, "/"),
		opts:       opts,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

// platformError is the error object ArcGIS returns with HTTP 200.
type platformError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *platformError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("arcgis error %d: %s (%s)", e.Code, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("arcgis error %d: %s", e.Code, e.Message)
}

type errorEnvelope struct {
	Error *platformError `json:"error"`
}

type tokenResponse struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"` // epoch ms
}

type itemResponse struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Title string `json:"title"`
	Type  string `json:"type"`
	URL   string `json:"url"`
}

// Open authenticates once and resolves the target layer. Credential rejection,
// or a portal that cannot be reached to authenticate, wraps
// domain.ErrAuthenticationFailure.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	tok, err := c.generateToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrAuthenticationFailure, err)
	}

	var item itemResponse
	endpoint := c.portalURL + "/sharing/rest/content/items/" + url.PathEscape(c.opts.ItemID)
	if err := c.call(ctx, http.MethodGet, endpoint, url.Values{"token": {tok.Token}}, &item); err != nil {
		if isTokenError(err) {
			return nil, fmt.Errorf("%w: %w", domain.ErrAuthenticationFailure, err)
		}
		return nil, fmt.Errorf("resolve item %s: %w", c.opts.ItemID, err)
	}
	if item.URL == "" {
		return nil, fmt.Errorf("item %s (%s) has no service url", c.opts.ItemID, item.Type)
	}

	s := &Session{
		client:   c,
		token:    tok.Token,
		itemID:   item.ID,
		owner:    item.Owner,
		layerURL: strings.TrimRight(item.URL, "/") + "/" + strconv.Itoa(c.opts.LayerIndex),
	}
	if tok.Expires > 0 {
		s.expires = time.UnixMilli(tok.Expires)
	}
	c.logger.Info("connected to hosting platform",
		"user", c.opts.Username,
		"item", item.Title,
		"layer_url", s.layerURL,
	)
	return s, nil
}

func (c *Client) generateToken(ctx context.Context) (tokenResponse, error) {
	form := url.Values{
		"username":   {c.opts.Username},
		"password":   {c.opts.Password},
		"client":     {"referer"},
		"referer":    {c.portalURL},
		"expiration": {strconv.Itoa(int(c.opts.TokenExpiration / time.Minute))},
	}
	var tok tokenResponse
	if err := c.call(ctx, http.MethodPost, c.portalURL+"/sharing/rest/generateToken", form, &tok); err != nil {
		return tokenResponse{}, fmt.Errorf("generate token: %w", err)
	}
	if tok.Token == "" {
		return tokenResponse{}, errors.New("generate token: empty token")
	}
	return tok, nil
}

// call sends a rate-limited request with f=json and decodes the response into
// out. Tokens are bound to the portal URL as referer, so every request carries
// it as its Referer header. A platform error object in the body is returned as
// *platformError.
func (c *Client) call(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	form.Set("f", "json")
	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+form.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Referer", c.portalURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("arcgis request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("arcgis API error: status %d: %s", resp.StatusCode, truncate(body, 512))
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return env.Error
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isTokenError(err error) bool {
	var pe *platformError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == codeInvalidToken || pe.Code == codeTokenRequired
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
