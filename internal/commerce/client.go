package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 4 << 20

	cartsCollection  = "carts"
	ordersCollection = "orders"
)

// ClientOptions задаёт параметры клиента commerce backend.
type ClientOptions struct {
	HTTPClient *http.Client
	Logger     *log.Entry
	Timeout    time.Duration
}

// Option настраивает Client.
type Option func(*ClientOptions)

// WithHTTPClient подменяет HTTP-клиент (используется в тестах).
func WithHTTPClient(client *http.Client) Option {
	return func(opts *ClientOptions) {
		opts.HTTPClient = client
	}
}

// WithLogger задаёт logger для клиента.
func WithLogger(logger *log.Entry) Option {
	return func(opts *ClientOptions) {
		opts.Logger = logger
	}
}

// WithTimeout задаёт таймаут транспорта на один запрос.
func WithTimeout(timeout time.Duration) Option {
	return func(opts *ClientOptions) {
		opts.Timeout = timeout
	}
}

// Client обращается к REST API commerce backend.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Entry
}

// NewClient создаёт клиента. baseURL — адрес backend или same-origin префикс прокси.
func NewClient(baseURL string, options ...Option) *Client {
	opts := ClientOptions{Timeout: defaultTimeout}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "commerce-client")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

type orderRequestWire struct {
	CartID       string `json:"cart_id"`
	DiscountCode string `json:"discount_code,omitempty"`
}

// ListProducts возвращает каталог товаров (GET /products).
func (c *Client) ListProducts(ctx context.Context) ([]domain.Product, error) {
	const op = "list products"
	resp, err := c.do(ctx, op, http.MethodGet, "/products", nil)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.status) {
		return nil, c.statusError(op, http.MethodGet, "/products", resp.status)
	}

	var products []domain.Product
	c.decode(op, resp.body, &products)
	if products == nil {
		products = []domain.Product{}
	}
	return products, nil
}

// ListDiscounts возвращает каталог скидок (GET /discounts).
func (c *Client) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	const op = "list discounts"
	resp, err := c.do(ctx, op, http.MethodGet, "/discounts", nil)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.status) {
		return nil, c.statusError(op, http.MethodGet, "/discounts", resp.status)
	}

	var discounts []domain.Discount
	c.decode(op, resp.body, &discounts)
	if discounts == nil {
		discounts = []domain.Discount{}
	}
	return discounts, nil
}

// CreateCart создаёт корзину (POST /carts -> 201 + Location) и дочитывает её через GET.
func (c *Client) CreateCart(ctx context.Context) (domain.ServerCart, error) {
	const op = "create cart"
	resp, err := c.do(ctx, op, http.MethodPost, "/carts", nil)
	if err != nil {
		return domain.ServerCart{}, err
	}
	if resp.status != http.StatusCreated {
		return domain.ServerCart{}, c.statusError(op, http.MethodPost, "/carts", resp.status)
	}

	id, err := ParseLocationID(resp.header.Get("Location"), cartsCollection)
	if err != nil {
		return domain.ServerCart{}, &RequestError{
			Op:         op,
			Method:     http.MethodPost,
			Path:       "/carts",
			StatusCode: resp.status,
			Err:        err,
		}
	}

	c.logger.WithField("cart_id", id).Debug("cart created on server")
	cart, err := c.GetCart(ctx, id)
	if err != nil {
		return domain.ServerCart{}, err
	}
	if cart.ID == "" {
		cart.ID = id
	}
	return cart, nil
}

// GetCart возвращает корзину (GET /carts/{id}).
func (c *Client) GetCart(ctx context.Context, id string) (domain.ServerCart, error) {
	const op = "get cart"
	path := cartPath(id)
	resp, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return domain.ServerCart{}, err
	}
	if !isSuccess(resp.status) {
		return domain.ServerCart{}, c.statusError(op, http.MethodGet, path, resp.status)
	}

	var cart domain.ServerCart
	c.decode(op, resp.body, &cart)
	return cart, nil
}

// ReplaceCartLines заменяет позиции корзины целиком (PUT /carts/{id}, тело — массив).
func (c *Client) ReplaceCartLines(ctx context.Context, id string, lines []domain.LineItem) (domain.ServerCart, error) {
	const op = "replace cart lines"
	path := cartPath(id)
	if lines == nil {
		lines = []domain.LineItem{}
	}

	resp, err := c.do(ctx, op, http.MethodPut, path, lines)
	if err != nil {
		return domain.ServerCart{}, err
	}
	if resp.status != http.StatusOK {
		return domain.ServerCart{}, c.statusError(op, http.MethodPut, path, resp.status)
	}

	var cart domain.ServerCart
	c.decode(op, resp.body, &cart)
	return cart, nil
}

// PlaceOrder оформляет заказ (POST /orders -> 201 + Location /orders/{id}).
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	const op = "place order"
	payload := orderRequestWire{CartID: req.CartID, DiscountCode: req.DiscountCode}

	resp, err := c.do(ctx, op, http.MethodPost, "/orders", payload)
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusCreated {
		return "", c.statusError(op, http.MethodPost, "/orders", resp.status)
	}

	orderID, err := ParseLocationID(resp.header.Get("Location"), ordersCollection)
	if err != nil {
		return "", &RequestError{
			Op:         op,
			Method:     http.MethodPost,
			Path:       "/orders",
			StatusCode: resp.status,
			Err:        err,
		}
	}
	return orderID, nil
}

// Ping проверяет доступность backend через GET /products.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, "ping", http.MethodGet, "/products", nil)
	if err != nil {
		return err
	}
	if !isSuccess(resp.status) {
		return c.statusError("ping", http.MethodGet, "/products", resp.status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) (*response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &RequestError{Op: op, Method: method, Path: path, Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Op: op, Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &RequestError{Op: op, Method: method, Path: path, StatusCode: resp.StatusCode, Reason: "read body", Err: err}
	}

	c.logger.WithFields(log.Fields{
		"op":          op,
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("commerce request finished")

	return &response{status: resp.StatusCode, header: resp.Header, body: raw}, nil
}

// decode разбирает тело ответа. Пустое или нечитаемое тело даёт пустую структуру.
func (c *Client) decode(op string, body []byte, v any) {
	if len(bytes.TrimSpace(body)) == 0 {
		return
	}
	if err := json.Unmarshal(body, v); err != nil {
		c.logger.WithError(err).WithField("op", op).Warn("unparsable response body, treating as empty")
	}
}

func (c *Client) statusError(op, method, path string, status int) error {
	return &RequestError{Op: op, Method: method, Path: path, StatusCode: status}
}

// ParseLocationID извлекает идентификатор из заголовка Location вида /{collection}/{id}.
// Допускаются абсолютные URL и префиксы прокси (/api/carts/{id}).
func ParseLocationID(location, collection string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", fmt.Errorf("missing Location header")
	}

	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse Location %q: %w", location, err)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 2; i >= 0; i-- {
		if segments[i] != collection {
			continue
		}
		id, err := url.PathUnescape(segments[i+1])
		if err != nil || strings.TrimSpace(id) == "" {
			break
		}
		return id, nil
	}

	return "", fmt.Errorf("cannot parse %s id from Location %q", collection, location)
}

func cartPath(id string) string {
	return "/carts/" + url.PathEscape(id)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
