// Package promo реализует чистую оценку промо-правил для корзины.
// Пакет не выполняет обращений к хранилищу: все данные передаются
// вызывающей стороной, результат детерминирован.
package promo

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vbelyaev/shopcore/internal/model"
)

// ErrNotApplicable возвращается, когда правило не применимо к корзине.
var ErrNotApplicable = errors.New("promotion not applicable")

// Input содержит входные данные оценки промо-правил.
type Input struct {
	Now   time.Time
	Lines []model.ResolvedLine
	// Promotions — кандидаты, отобранные по области видимости магазина.
	Promotions []model.Promotion
	// Usage — агрегаты журнала применений по идентификатору правила.
	Usage map[string]model.UsageStats
	// CouponCode — нормализованный код купона; пустая строка для
	// автоматического подбора.
	CouponCode    string
	CustomerKey   string
	IncludeSecret bool
}

// Evaluate отбирает применимые промо-правила и выбирает победителя.
// Функция никогда не возвращает ошибку: некорректно настроенные или
// неприменимые правила просто выбывают из кандидатов.
func Evaluate(in Input) model.Evaluation {
	subtotal := SubtotalCents(in.Lines)

	res := model.Evaluation{
		SubtotalCents: subtotal,
		Candidates:    []model.Candidate{},
	}

	for _, p := range in.Promotions {
		if err := Qualify(p, in.Now, subtotal, in.Usage[p.ID], in.CouponCode, in.IncludeSecret); err != nil {
			continue
		}
		discount, err := Discount(p, in.Lines, subtotal)
		if err != nil {
			continue
		}
		res.Candidates = append(res.Candidates, model.Candidate{
			PromotionID:   p.ID,
			Name:          p.Name,
			Code:          p.Code,
			DiscountCents: discount,
			Priority:      p.Priority,
		})
	}

	// Сортировка: приоритет по убыванию, затем размер скидки по убыванию.
	sort.SliceStable(res.Candidates, func(i, j int) bool {
		if res.Candidates[i].Priority != res.Candidates[j].Priority {
			return res.Candidates[i].Priority > res.Candidates[j].Priority
		}
		return res.Candidates[i].DiscountCents > res.Candidates[j].DiscountCents
	})

	if len(res.Candidates) > 0 {
		applied := res.Candidates[0]
		res.Applied = &applied
	}

	return res
}

// SubtotalCents возвращает сумму корзины в центах.
func SubtotalCents(lines []model.ResolvedLine) int64 {
	var subtotal int64
	for _, l := range lines {
		subtotal += l.LineTotalCents()
	}
	return subtotal
}

// Qualify проверяет применимость правила к корзине без расчёта скидки:
// активность, окно действия, код, лимиты использования и минимальную сумму.
func Qualify(p model.Promotion, now time.Time, subtotalCents int64, stats model.UsageStats, couponCode string, includeSecret bool) error {
	if !p.IsActive || p.ArchivedAt != nil {
		return ErrNotApplicable
	}
	if p.StartsAt != nil && now.Before(*p.StartsAt) {
		return ErrNotApplicable
	}
	if p.EndsAt != nil && now.After(*p.EndsAt) {
		return ErrNotApplicable
	}

	if couponCode != "" {
		if p.Code != couponCode {
			return ErrNotApplicable
		}
	} else if p.IsSecret && !includeSecret {
		// Секретные правила применяются только по точному коду.
		return ErrNotApplicable
	}

	if p.UsageLimitTotal != nil && stats.TotalCount >= *p.UsageLimitTotal {
		return ErrNotApplicable
	}
	// Лимит первых N покупателей не касается тех, кто уже среди выкупивших.
	if p.FirstNCustomers != nil && stats.DistinctCustomers >= *p.FirstNCustomers && stats.CustomerCount == 0 {
		return ErrNotApplicable
	}
	if p.UsageLimitPerCustomer != nil && stats.CustomerCount >= *p.UsageLimitPerCustomer {
		return ErrNotApplicable
	}

	if p.MinOrderCents > subtotalCents {
		return ErrNotApplicable
	}

	return nil
}

// Discount рассчитывает скидку правила для корзины в центах.
// Возвращает ErrNotApplicable, если ни одна строка не совпала с целями
// или итоговая скидка равна нулю, и ошибку конфигурации для
// неподдерживаемого типа скидки.
func Discount(p model.Promotion, lines []model.ResolvedLine, subtotalCents int64) (int64, error) {
	var matchedCents int64
	matched := false
	for _, l := range lines {
		if MatchesLine(p, l) {
			matchedCents += l.LineTotalCents()
			matched = true
		}
	}
	if !matched {
		return 0, ErrNotApplicable
	}

	base := subtotalCents
	if p.DiscountScope == model.DiscountScopeItems {
		base = matchedCents
	}
	if base <= 0 {
		return 0, ErrNotApplicable
	}

	var discount int64
	switch p.DiscountType {
	case model.DiscountTypePercent:
		pct := NormalizePercent(p.DiscountValue)
		// Базисные пункты позволяют округлять без денежной арифметики
		// с плавающей точкой.
		bp := int64(math.Round(pct * 100))
		discount = (base*bp + 5000) / 10000
	case model.DiscountTypeFixed:
		discount = int64(math.Round(p.DiscountValue))
	default:
		return 0, fmt.Errorf("unsupported discount type %q", p.DiscountType)
	}

	if p.MaxDiscountCents != nil && discount > *p.MaxDiscountCents {
		discount = *p.MaxDiscountCents
	}
	if discount > subtotalCents {
		discount = subtotalCents
	}
	if discount <= 0 {
		return 0, ErrNotApplicable
	}

	return discount, nil
}

// NormalizePercent приводит значение процента к диапазону [0, 100].
// Значения из (0, 1] трактуются как доля и умножаются на 100.
func NormalizePercent(v float64) float64 {
	if v > 0 && v <= 1 {
		v *= 100
	}
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// MatchesLine сообщает, совпадает ли строка корзины хотя бы с одной
// целью правила (объединение, а не пересечение типов целей).
func MatchesLine(p model.Promotion, l model.ResolvedLine) bool {
	// Правило без единой цели действует на весь магазин.
	if len(p.Targets) == 0 {
		return true
	}
	for _, t := range p.Targets {
		switch t.Type {
		case model.TargetTypeStore:
			return true
		case model.TargetTypeBrand:
			if l.BrandID != "" && t.TargetID == l.BrandID {
				return true
			}
		case model.TargetTypeCategory:
			if l.CategoryID != "" && t.TargetID == l.CategoryID {
				return true
			}
		case model.TargetTypeProduct:
			if t.TargetID == l.ProductID {
				return true
			}
		}
	}
	return false
}
