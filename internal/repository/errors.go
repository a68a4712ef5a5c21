package repository

import "errors"

// ErrNotFound возвращается всеми репозиториями, когда запись отсутствует.
var ErrNotFound = errors.New("not found")
