// Package credstore — долговременное хранилище учётных данных клиента.
// Вынесено за интерфейс, чтобы ядро сессии не зависело от файловой системы
// и тестировалось на памяти.
package credstore

import "github.com/rentora/internal/model"

// Credentials — то, что переживает перезапуск клиента: токен и кешированная
// личность для оптимистичной гидратации. Identity может быть nil, если
// сохранён только токен.
type Credentials struct {
	Token    string            `json:"token"`
	Identity *model.UserPublic `json:"identity,omitempty"`
}

// Store — персистентное хранилище Credentials.
// Реализации: file.Store (клиент), memory.Store (тесты).
type Store interface {
	// Load возвращает сохранённые данные; (nil, nil) если данных нет.
	Load() (*Credentials, error)
	// Save атомарно перезаписывает сохранённые данные.
	Save(*Credentials) error
	// Clear удаляет сохранённые данные; отсутствие данных не ошибка.
	Clear() error
}
