package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/BuzzLyutic/kanban-api/internal/model"
)

var ErrValidation = errors.New("validation error")

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("status", func(fl validator.FieldLevel) bool {
		_, ok := model.ParseStatus(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		_, ok := model.ParsePriority(fl.Field().String())
		return ok
	})
	return v
}

// validateRequest runs struct validation and folds the first failure into an
// ErrValidation with a readable message.
func (s *TaskService) validateRequest(req interface{}) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, fieldMessage(fieldErrs[0]))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "notblank":
		return field + " must not be blank"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "status":
		return fmt.Sprintf("%s must be one of %s, %s, %s", field, model.StatusTodo, model.StatusInProgress, model.StatusDone)
	case "priority":
		return fmt.Sprintf("%s must be one of %s, %s, %s", field, model.PriorityLow, model.PriorityMedium, model.PriorityHigh)
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
