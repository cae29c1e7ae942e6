// Package validation содержит правила проверки входных данных заявок и работ.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidInput возвращается при нарушении правил проверки входных данных.
var ErrInvalidInput = errors.New("invalid input")

// RequireText проверяет, что текстовое поле заполнено.
func RequireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidInput, field)
	}
	return nil
}

// PositivePoints проверяет, что количество баллов — положительное целое.
func PositivePoints(field string, value int64) error {
	if value <= 0 {
		return fmt.Errorf("%w: %s must be a positive integer", ErrInvalidInput, field)
	}
	return nil
}

// PointsWithinLimit проверяет, что начисляемые баллы не превышают предел.
func PointsWithinLimit(field string, value, limit int64) error {
	if err := PositivePoints(field, value); err != nil {
		return err
	}
	if value > limit {
		return fmt.Errorf("%w: %s must not exceed %d", ErrInvalidInput, field, limit)
	}
	return nil
}

// ParseDeadline разбирает срок в формате RFC3339 и нормализует его к
// UTC. Пустая строка означает отсутствие срока. Хранимое значение
// всегда абсолютное: локальная зона отправителя отбрасывается при вводе.
func ParseDeadline(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%w: deadline must be a valid RFC3339 timestamp", ErrInvalidInput)
	}

	utc := t.UTC()
	return &utc, nil
}

// MilestonesWithinBudget проверяет, что сумма баллов по вехам не
// превышает общий бюджет заявки.
func MilestonesWithinBudget(totalPoints int64, allocations []int64) error {
	var sum int64
	for _, a := range allocations {
		sum += a
	}
	if sum > totalPoints {
		return fmt.Errorf("%w: milestone points sum %d exceeds total points %d", ErrInvalidInput, sum, totalPoints)
	}
	return nil
}
