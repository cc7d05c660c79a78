package domain

import "errors"

var (
	// ErrRequestFailed — базовая ошибка обращения к commerce backend
	// (неуспешный статус или некорректный ответ).
	ErrRequestFailed = errors.New("commerce request failed")
	// ErrCartEmpty возвращается при попытке оформить пустую корзину.
	ErrCartEmpty = errors.New("cart is empty")
	// ErrCartNotBound — у корзины ещё нет идентификатора на backend.
	ErrCartNotBound = errors.New("cart is not bound to server")
	// ErrProductNotFound — товара нет в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrDiscountNotFound — код скидки отсутствует в каталоге.
	ErrDiscountNotFound = errors.New("discount code not found")
	// ErrCartStateNotFound — для сессии нет сохранённого состояния корзины.
	ErrCartStateNotFound = errors.New("cart state not found")
	// ErrSessionRequired — не передан идентификатор сессии.
	ErrSessionRequired = errors.New("session_id is required")
	// ErrCacheMiss — значения нет в кеше каталога.
	ErrCacheMiss = errors.New("catalog cache miss")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хеш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyNotFound — ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyKeyAlreadyExists — ключ уже использован тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ использован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
)

// IsRequestFailure проверяет, что ошибка пришла от commerce backend.
func IsRequestFailure(err error) bool {
	return errors.Is(err, ErrRequestFailed)
}

// IsIdempotencyConflict проверяет, что ключ уже занят.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
