package handler

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"

	"github.com/kursadbilgin/relay-engine/internal/buffer"
	"github.com/kursadbilgin/relay-engine/internal/domain"
)

func toHTTPError(err error) error {
	var validationErrs validator.ValidationErrors

	switch {
	case errors.As(err, &validationErrs):
		return fiber.NewError(fiber.StatusBadRequest, validationMessage(validationErrs))
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		return fiber.NewError(fiber.StatusTooManyRequests, err.Error())
	case errors.Is(err, buffer.ErrFull), errors.Is(err, buffer.ErrClosed):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

func validationMessage(errs validator.ValidationErrors) string {
	fields := lo.Map(errs, func(fe validator.FieldError, _ int) string {
		return fe.Namespace() + " failed on " + fe.Tag()
	})
	return "validation error: " + strings.Join(fields, "; ")
}
