package cart

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// enqueueLocked записывает текущий список позиций как sync intent.
// Несколько изменений до отправки схлопываются в один запрос.
// Вызывается под e.mu.
func (e *Engine) enqueueLocked() {
	if e.pending {
		e.metrics.RecordSyncCoalesced()
	}
	e.intentGen++
	e.pending = true
	e.parked = false
	e.pendingLines = domain.ToLineItems(e.lines)

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Run обрабатывает sync intent-ы до отмены ctx. В каждый момент времени
// в полёте не больше одного запроса к backend.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Debug("cart syncer started")
	defer e.logger.Debug("cart syncer stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.signal:
			for e.ProcessOnce(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// ProcessOnce отправляет последний ожидающий список позиций.
// Возвращает false, если отправлять было нечего. Ошибки только логируются:
// повтор произойдёт на следующем изменении корзины.
func (e *Engine) ProcessOnce(ctx context.Context) bool {
	processed, err := e.processPending(ctx, false)
	if err != nil {
		e.logger.WithError(err).Warn("cart sync failed, keeping local state")
	}
	return processed
}

// Flush синхронно отправляет ожидающий intent, в том числе не отправленный
// из-за прошлой ошибки, и возвращает ошибку отправки.
func (e *Engine) Flush(ctx context.Context) error {
	_, err := e.processPending(ctx, true)
	return err
}

// Reconcile отправляет переданный список позиций на сервер и вливает ответ
// в локальное состояние. Доступно только для привязанной корзины.
func (e *Engine) Reconcile(ctx context.Context, lines []domain.CartLine) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.mu.Lock()
	cartID := e.cartID
	gen := e.intentGen
	e.mu.Unlock()

	if cartID == "" {
		return domain.ErrCartNotBound
	}
	return e.push(ctx, cartID, gen, domain.ToLineItems(lines))
}

func (e *Engine) processPending(ctx context.Context, withParked bool) (bool, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.mu.Lock()
	if !e.pending || (e.parked && !withParked) {
		e.mu.Unlock()
		return false, nil
	}
	cartID := e.cartID
	gen := e.intentGen
	items := e.pendingLines
	e.pending = false
	e.parked = false
	e.pendingLines = nil
	e.mu.Unlock()

	if cartID == "" {
		e.metrics.RecordSync(metrics.SyncResultSkipped, 0)
		return true, nil
	}
	if err := e.push(ctx, cartID, gen, items); err != nil {
		e.restoreIntent(gen, items)
		return true, err
	}
	return true, nil
}

// restoreIntent возвращает неотправленный intent, если за время запроса
// не появилось более нового. Фоновый syncer его не повторяет: повтор
// произойдёт на следующем изменении или Flush.
func (e *Engine) restoreIntent(gen uint64, items []domain.LineItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.intentGen != gen || e.pending {
		return
	}
	e.pending = true
	e.parked = true
	e.pendingLines = items
}

// push выполняет PUT полного списка позиций. Ответ применяется, только если
// за время запроса не появилось более нового intent и корзина не сменилась.
func (e *Engine) push(ctx context.Context, cartID string, gen uint64, items []domain.LineItem) error {
	start := time.Now()
	serverCart, err := e.gateway.ReplaceCartLines(ctx, cartID, items)
	elapsed := time.Since(start)
	if err != nil {
		e.metrics.RecordSync(metrics.SyncResultFailed, elapsed)
		return err
	}

	fields := log.Fields{"cart_id": cartID, "generation": gen}

	e.mu.Lock()
	if e.cartID != cartID || e.intentGen != gen {
		e.mu.Unlock()
		e.metrics.RecordSync(metrics.SyncResultStale, elapsed)
		e.logger.WithFields(fields).Debug("dropping stale sync response")
		return nil
	}
	if serverCart.ID == "" && len(serverCart.Items) == 0 {
		// пустое тело ответа: авторитетного состояния нет
		e.mu.Unlock()
		e.metrics.RecordSync(metrics.SyncResultNoop, elapsed)
		return nil
	}

	merged := MergeServerLines(e.lines, serverCart.Items)
	if SameLines(e.lines, merged) {
		e.mu.Unlock()
		e.metrics.RecordSync(metrics.SyncResultNoop, elapsed)
		return nil
	}

	e.lines = merged
	if len(e.lines) == 0 {
		e.code = ""
	}
	e.version++
	state := e.stateLocked()
	e.mu.Unlock()

	e.metrics.RecordSync(metrics.SyncResultOK, elapsed)
	e.logger.WithFields(fields).WithField("lines", len(merged)).Debug("server cart reconciled")
	e.persist(state)
	return nil
}
