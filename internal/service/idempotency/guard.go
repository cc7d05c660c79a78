package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultKeyTTL = 24 * time.Hour

// ErrRequestInProgress — запрос с тем же ключом ещё выполняется.
var ErrRequestInProgress = errors.New("request with the same idempotency key is already processing")

// Response — HTTP-ответ, сохраняемый под ключом.
type Response struct {
	Status   int
	Body     []byte
	Replayed bool
}

// GuardOptions задаёт параметры Guard.
type GuardOptions struct {
	Logger *log.Entry
	TTL    time.Duration
	Now    func() time.Time
}

// GuardOption настраивает Guard.
type GuardOption func(*GuardOptions)

// WithKeyTTL задаёт время жизни ключа.
func WithKeyTTL(ttl time.Duration) GuardOption {
	return func(opts *GuardOptions) {
		opts.TTL = ttl
	}
}

func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(opts *GuardOptions) {
		opts.Logger = logger
	}
}

func WithGuardClock(now func() time.Time) GuardOption {
	return func(opts *GuardOptions) {
		opts.Now = now
	}
}

// Guard выполняет обработчик не более одного раза на ключ и повторяет
// сохранённый ответ для повторных запросов с тем же телом.
type Guard struct {
	repo   domain.IdempotencyRepository
	logger *log.Entry
	ttl    time.Duration
	now    func() time.Time
}

func NewGuard(repo domain.IdempotencyRepository, options ...GuardOption) *Guard {
	opts := GuardOptions{TTL: defaultKeyTTL}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "idempotency-guard")
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultKeyTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Guard{repo: repo, logger: opts.Logger, ttl: opts.TTL, now: opts.Now}
}

// RequestHash строит sha256 от области (метод и сессия) и тела запроса.
func RequestHash(scope string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Do резервирует ключ и выполняет handler. Ответы со статусом < 400
// сохраняются как done, остальные как failed; оба повторяются до истечения ttl.
// Возможные ошибки: ErrIdempotencyKeyRequired, ErrIdempotencyHashMismatch,
// ErrRequestInProgress.
func (g *Guard) Do(key, requestHash string, handler func() Response) (Response, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Response{}, domain.ErrIdempotencyKeyRequired
	}

	record, err := g.repo.CreateProcessing(key, requestHash, g.now().Add(g.ttl))
	if err != nil {
		return g.replay(record, err)
	}

	resp := handler()
	finish := g.repo.MarkDone
	if resp.Status >= http.StatusBadRequest {
		finish = g.repo.MarkFailed
	}
	if err := finish(key, resp.Body, resp.Status); err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}
	return resp, nil
}

func (g *Guard) replay(record domain.IdempotencyRecord, createErr error) (Response, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		return Response{}, createErr
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch {
		case record.Status.Finished():
			status := record.HTTPStatus
			if status == 0 {
				status = http.StatusInternalServerError
			}
			return Response{Status: status, Body: record.ResponseBody, Replayed: true}, nil
		case record.Status == domain.IdempotencyStatusProcessing:
			return Response{}, ErrRequestInProgress
		default:
			return Response{}, fmt.Errorf("unknown idempotency record status %q", record.Status)
		}
	default:
		return Response{}, fmt.Errorf("reserve idempotency key: %w", createErr)
	}
}
