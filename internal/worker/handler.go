package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Handler — тело task. Получает payload как есть и возвращает result.
//
// Ошибка терминальна: task переходит в failed с текстом ошибки и не
// ретраится. Тела должны быть идемпотентны: после смерти worker'а
// watchdog может выдать ту же task повторно.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Handle вызывает f.
func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// DemoHandler — демонстрационная нагрузка.
//
// Имитирует работу случайной задержкой из [MinDelay, MaxDelay], затем:
//   - "crash" → ошибка "simulated failure"
//   - число → его квадрат
//   - иначе → {"echo": payload}
type DemoHandler struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Handle реализует Handler.
func (d *DemoHandler) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if err := d.simulateWork(ctx); err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("null")
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	switch p := v.(type) {
	case string:
		if p == "crash" {
			return nil, ErrSimulatedFailure
		}
	case json.Number:
		return square(p)
	}

	return json.Marshal(map[string]json.RawMessage{"echo": payload})
}

func (d *DemoHandler) simulateWork(ctx context.Context) error {
	delay := d.MinDelay
	if spread := d.MaxDelay - d.MinDelay; spread > 0 {
		delay += rand.N(spread)
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maxExactSquare — наибольший модуль int64, квадрат которого помещается в int64.
const maxExactSquare = 3037000499

// square возводит число в квадрат. Целые остаются целыми, пока
// квадрат помещается в int64.
func square(n json.Number) (json.RawMessage, error) {
	if i, err := n.Int64(); err == nil && i >= -maxExactSquare && i <= maxExactSquare {
		return json.Marshal(i * i)
	}

	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	sq := f * f
	if math.IsInf(sq, 0) {
		return nil, fmt.Errorf("%w: square of %s overflows", ErrInvalidPayload, n)
	}
	return json.Marshal(sq)
}
