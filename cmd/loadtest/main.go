// Command loadtest гоняет сценарии покупателя против REST API storefront
// и печатает сводку по задержкам и кодам ответов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	sessionHeader     = "X-Session-ID"
	idempotencyHeader = "Idempotency-Key"
)

type loadMode string

const (
	modeBrowse   loadMode = "browse"
	modeCart     loadMode = "cart"
	modeCheckout loadMode = "checkout"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	productID   string
	quantity    int
	outputPath  string
}

func parseConfig(fs *flag.FlagSet, args []string) (config, error) {
	var (
		cfg  config
		mode string
	)
	fs.StringVar(&cfg.baseURL, "base-url", "http://localhost:8080", "storefront HTTP address")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration acts as an upper bound when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 5m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 20, "number of concurrent shoppers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&mode, "mode", string(modeCart), "scenario: browse | cart | checkout")
	fs.StringVar(&cfg.productID, "product", "", "product id to add (default: first product of the catalog)")
	fs.IntVar(&cfg.quantity, "quantity", 2, "quantity set on the cart line")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.productID = strings.TrimSpace(cfg.productID)

	switch loadMode(strings.TrimSpace(mode)) {
	case modeBrowse, modeCart, modeCheckout:
		cfg.mode = loadMode(strings.TrimSpace(mode))
	default:
		return cfg, fmt.Errorf("unsupported mode: %s", mode)
	}

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("base-url is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.quantity <= 0:
		return cfg, errors.New("quantity must be > 0")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Transport: &http.Transport{
		MaxIdleConns:        cfg.concurrency,
		MaxIdleConnsPerHost: cfg.concurrency,
		IdleConnTimeout:     90 * time.Second,
	}}

	result, err := run(ctx, cfg, client)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// run прогревает каталог, затем раздает сценарии пулу воркеров.
func run(ctx context.Context, cfg config, httpClient *http.Client) (report, error) {
	shop := &shopper{baseURL: cfg.baseURL, client: httpClient, timeout: cfg.timeout}

	if cfg.mode != modeBrowse && cfg.productID == "" {
		products, err := shop.products(ctx, nil)
		if err != nil {
			return report{}, fmt.Errorf("load catalog: %w", err)
		}
		if len(products) == 0 {
			return report{}, errors.New("catalog is empty, nothing to add to cart")
		}
		cfg.productID = products[0].ID
	}

	startedAt := time.Now()
	col := newCollector()
	jobs := make(chan int, cfg.concurrency*2)

	var wg sync.WaitGroup
	for i := 0; i < cfg.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				runScenario(ctx, shop, cfg, index, col)
			}
		}()
	}

	dispatchJobs(ctx, jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt)), nil
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for i := 0; ; i++ {
		if ctx.Err() != nil || ((cfg.duration <= 0 || cfg.totalSet) && i >= cfg.total) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

// runScenario проигрывает путь одного покупателя; каждая сессия начинается с пустой корзины.
func runScenario(ctx context.Context, shop *shopper, cfg config, index int, col *collector) {
	started := time.Now()
	outcome := outcomeOK
	defer func() { col.record("scenario", time.Since(started), outcome) }()

	session := new(string)

	if _, err := shop.products(ctx, col); err != nil {
		outcome = outcomeOf(err)
		return
	}
	if err := shop.do(ctx, col, "GetCart", http.MethodGet, "/api/v1/cart", session, nil, ""); err != nil {
		outcome = outcomeOf(err)
		return
	}
	if cfg.mode == modeBrowse {
		return
	}

	if err := shop.do(ctx, col, "AddItem", http.MethodPost, "/api/v1/cart/items", session,
		map[string]string{"product_id": cfg.productID}, ""); err != nil {
		outcome = outcomeOf(err)
		return
	}
	if cfg.quantity > 1 {
		if err := shop.do(ctx, col, "UpdateQuantity", http.MethodPatch, "/api/v1/cart/items/"+cfg.productID, session,
			map[string]int{"quantity": cfg.quantity}, ""); err != nil {
			outcome = outcomeOf(err)
			return
		}
	}
	if cfg.mode == modeCart {
		return
	}

	key := fmt.Sprintf("lt-checkout-%d-%d", started.UnixNano(), index)
	if err := shop.do(ctx, col, "Checkout", http.MethodPost, "/api/v1/checkout", session, nil, key); err != nil {
		outcome = outcomeOf(err)
	}
}

type product struct {
	ID string `json:"id"`
}

// shopper — тонкий HTTP-клиент storefront для нагрузочных сценариев.
type shopper struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

type statusError struct {
	status int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.status) }

func (s *shopper) products(ctx context.Context, col *collector) ([]product, error) {
	var out []product
	err := s.call(ctx, col, "ListProducts", http.MethodGet, "/api/v1/products", nil, nil, "", &out)
	return out, err
}

func (s *shopper) do(ctx context.Context, col *collector, name, method, path string, session *string, body any, key string) error {
	return s.call(ctx, col, name, method, path, session, body, key, nil)
}

func (s *shopper) call(ctx context.Context, col *collector, name, method, path string, session *string, body any, key string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(raw))
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if session != nil && *session != "" {
		req.Header.Set(sessionHeader, *session)
	}
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		col.record(name, time.Since(start), outcomeTransport)
		return err
	}
	defer resp.Body.Close()

	if session != nil {
		if id := resp.Header.Get(sessionHeader); id != "" {
			*session = id
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		col.record(name, time.Since(start), fmt.Sprint(resp.StatusCode))
		return &statusError{status: resp.StatusCode}
	}
	if out != nil {
		err = json.NewDecoder(resp.Body).Decode(out)
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	col.record(name, time.Since(start), fmt.Sprint(resp.StatusCode))
	return err
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- путь к отчету задается явно флагом -output.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
