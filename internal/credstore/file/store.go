package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rentora/internal/credstore"
)

// Store хранит учётные данные в JSON-файле с правами 0600.
// Запись атомарная: во временный файл рядом, затем rename.
type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (*credstore.Credentials, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore load: %w", err)
	}
	var c credstore.Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		// Битый файл равносилен отсутствию сессии: пользователь просто войдёт заново.
		return nil, nil
	}
	if c.Token == "" {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) Save(c *credstore.Credentials) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("credstore save: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credstore save: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("credstore save: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("credstore save: rename: %w", err)
	}
	return nil
}

func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credstore clear: %w", err)
	}
	return nil
}
