package service

import (
	"errors"
	"fmt"

	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
)

// 业务错误，handler层据此映射响应码
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrInsufficientMaterial = errors.New("insufficient material")
	ErrValidation           = errors.New("validation failed")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrForbidden            = errors.New("forbidden")
)

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// lookupErr 将仓库层的ErrNotFound转换为业务错误
func lookupErr(err error, kind, id string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return notFound(kind, id)
	}
	return err
}
