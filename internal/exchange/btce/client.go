package btce

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"spot-arb/internal/config"
)

const (
	methodGetInfo      = "getInfo"
	methodActiveOrders = "ActiveOrders"
	methodTrade        = "Trade"
)

// Client talks to the public v3 API and the private trade API. Private
// calls are signed with a nonce that must strictly increase, so they are
// serialized.
type Client struct {
	apiKey     string
	apiSecret  string
	nonceRetry bool
	public     *resty.Client
	private    *resty.Client
	logger     *zap.Logger

	nonceMu sync.Mutex
	nonce   int64

	mu    sync.Mutex
	pairs map[string]pairInfo
}

type Options struct {
	APIKey         string
	APISecret      string
	PublicBaseURL  string
	PrivateBaseURL string
	HTTPTimeoutSec int64
	NonceRetry     bool
	InitialNonce   int64
	Logger         *zap.Logger
}

func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) *Client {
	return NewClientWithOptions(Options{
		APIKey:         cfg.APIKey,
		APISecret:      cfg.APISecret,
		PublicBaseURL:  cfg.PublicBaseURL,
		PrivateBaseURL: cfg.PrivateBaseURL,
		HTTPTimeoutSec: cfg.HTTPTimeoutSec,
		NonceRetry:     cfg.NonceRetryEnabled(),
		Logger:         logger,
	})
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	nonce := opts.InitialNonce
	if nonce <= 0 {
		nonce = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		nonceRetry: opts.NonceRetry,
		public:     resty.New().SetBaseURL(strings.TrimRight(opts.PublicBaseURL, "/")).SetTimeout(timeout),
		private:    resty.New().SetBaseURL(strings.TrimRight(opts.PrivateBaseURL, "/")).SetTimeout(timeout),
		logger:     logger.With(zap.String("port", "btce")),
		nonce:      nonce,
		pairs:      make(map[string]pairInfo),
	}
}

func (c *Client) Name() string { return "btce" }

// Nonce returns the next nonce a private call would sign with.
func (c *Client) Nonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	return c.nonce
}

func (c *Client) info(ctx context.Context) (infoResponse, error) {
	var out infoResponse
	if err := c.doPublic(ctx, "/api/3/info", &out); err != nil {
		return infoResponse{}, err
	}
	if out.Pairs == nil {
		return infoResponse{}, errors.New("btce info: response has no pairs")
	}
	return out, nil
}

func (c *Client) ticker(ctx context.Context, keys []string) (map[string]tickerResponse, error) {
	out := make(map[string]tickerResponse)
	if err := c.doPublic(ctx, "/api/3/ticker/"+strings.Join(keys, "-"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) accountInfo(ctx context.Context, retry bool) (accountInfo, error) {
	var out accountInfo
	if err := c.doPrivate(ctx, methodGetInfo, url.Values{}, retry, &out); err != nil {
		return accountInfo{}, err
	}
	if out.Funds == nil {
		return accountInfo{}, errors.New("btce getInfo: response has no funds")
	}
	return out, nil
}

func (c *Client) activeOrders(ctx context.Context) (map[string]activeOrder, error) {
	out := make(map[string]activeOrder)
	if err := c.doPrivate(ctx, methodActiveOrders, url.Values{}, c.nonceRetry, &out); err != nil {
		if isNoOrders(err) {
			return map[string]activeOrder{}, nil
		}
		return nil, err
	}
	return out, nil
}

func (c *Client) trade(ctx context.Context, params url.Values) (tradeResponse, error) {
	var out tradeResponse
	if err := c.doPrivate(ctx, methodTrade, params, c.nonceRetry, &out); err != nil {
		return tradeResponse{}, err
	}
	return out, nil
}

func (c *Client) doPublic(ctx context.Context, path string, out any) error {
	resp, err := c.public.R().SetContext(ctx).Get(path)
	if err != nil {
		return fmt.Errorf("btce GET %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("btce http error %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	var apiErr struct {
		Success *int   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &apiErr); err == nil && apiErr.Success != nil && *apiErr.Success == 0 {
		return wrapAPIError(path, apiErr.Error)
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("btce GET %s: decode: %w", path, err)
	}
	return nil
}

// doPrivate signs and sends one private call. A nonce desync moves the
// nonce to the value the server expects and, when retry is set, sends the
// call once more.
func (c *Client) doPrivate(ctx context.Context, method string, params url.Values, retry bool, out any) error {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	err := c.sendLocked(ctx, method, params, out)
	next, desync := expectedNonce(err)
	if !desync {
		return err
	}
	c.nonce = next
	if !retry {
		c.logger.Info("nonce_adjusted", zap.Int64("nonce", next), zap.String("method", method))
		return err
	}
	c.logger.Info("nonce_adjusted_retry", zap.Int64("nonce", next), zap.String("method", method))
	err = c.sendLocked(ctx, method, params, out)
	if next, desync := expectedNonce(err); desync {
		c.nonce = next
	}
	return err
}

func (c *Client) sendLocked(ctx context.Context, method string, params url.Values, out any) error {
	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("method", method)
	form.Set("nonce", strconv.FormatInt(c.nonce, 10))
	c.nonce++
	body := form.Encode()

	resp, err := c.private.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetHeader("Key", c.apiKey).
		SetHeader("Sign", sign(c.apiSecret, body)).
		SetBody(body).
		Post("/tapi")
	if err != nil {
		return fmt.Errorf("btce %s: %w", method, err)
	}
	if resp.IsError() {
		return fmt.Errorf("btce http error %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	var env privateResponse
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("btce %s: decode: %w", method, err)
	}
	if env.Success != 1 {
		msg := env.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return wrapAPIError(method, msg)
	}
	if len(env.Return) == 0 || env.Return[0] != '{' {
		return fmt.Errorf("btce %s: malformed return %s", method, string(env.Return))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Return, out); err != nil {
		return fmt.Errorf("btce %s: decode return: %w", method, err)
	}
	return nil
}

func sign(secret, payload string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
