package repository

import "errors"

// ErrNotFound запись для обновления не найдена
var ErrNotFound = errors.New("record not found")
