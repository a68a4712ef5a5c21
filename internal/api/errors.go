package api

import "fmt"

// AuthError — неверные учётные данные или протухший/отозванный токен.
// Никогда не ретраится: приложение принудительно разлогинивает пользователя.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "unauthorized"
	}
	return e.Message
}

// ValidationError — сервер отверг тело запроса; Fields содержит пофилдовые
// сообщения (например при регистрации). Показывается пользователю как есть.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return "validation failed"
	}
	return e.Message
}

// NotFoundError — ссылка на несуществующую сущность (переписка, объявление).
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	if e.Message == "" {
		return "not found"
	}
	return e.Message
}

// NetworkError — транспортная ошибка или 5xx; для одиночных запросов UI
// показывает состояние "повторить", сами запросы автоматически не повторяются.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
