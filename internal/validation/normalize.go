// Package validation содержит функции нормализации и валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

// NormalizeCode приводит код промо-правила к каноническому виду:
// убирает пробельные символы и переводит в верхний регистр.
func NormalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, ch := range code {
		if unicode.IsSpace(ch) {
			continue
		}
		b.WriteRune(unicode.ToUpper(ch))
	}
	return b.String()
}

// CustomerKey детерминированно выводит ключ покупателя из контактных данных:
// нормализованный email, иначе телефон, иначе пустая строка. Пустой ключ
// не позволяет дедуплицировать применения между заказами.
func CustomerKey(email, phone string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email != "" {
		return email
	}
	return normalizePhone(phone)
}

func normalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, ch := range phone {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// IsValidCurrency проверяет, что код валюты состоит из трёх латинских букв.
func IsValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, ch := range code {
		if ch < 'A' || ch > 'Z' {
			return false
		}
	}
	return true
}
