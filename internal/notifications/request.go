package notifications

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports a request body that cannot become a notification.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

type requestBody struct {
	Title        string         `json:"title" validate:"required"`
	Message      string         `json:"message" validate:"max=65535"`
	Type         string         `json:"type" validate:"max=32"`
	Priority     string         `json:"priority" validate:"max=32"`
	TargetUsers  []string       `json:"target_users" validate:"required_without=TargetRoles,dive,max=36"`
	TargetRoles  []string       `json:"target_roles" validate:"required_without=TargetUsers,dive,max=150"`
	URLRedirect  string         `json:"url_redirect" validate:"max=255"`
	TargetModule string         `json:"target_module" validate:"max=100"`
	TargetRecord string         `json:"target_record" validate:"max=36"`
	Metadata     map[string]any `json:"metadata"`
}

var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// ParseRequest decodes and validates a JSON notification object.
func ParseRequest(raw []byte) (Request, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Request{}, &ValidationError{Message: "Request body must be a JSON object"}
	}
	var body requestBody
	if err := json.Unmarshal(trimmed, &body); err != nil {
		return Request{}, &ValidationError{Message: "Invalid JSON payload"}
	}
	return validateBody(body)
}

func validateBody(body requestBody) (Request, error) {
	body.Title = strings.TrimSpace(body.Title)
	body.TargetUsers = compactOrNil(body.TargetUsers)
	body.TargetRoles = compactOrNil(body.TargetRoles)

	if err := requestValidator.Struct(body); err != nil {
		return Request{}, &ValidationError{Message: describeValidation(err)}
	}
	return Request{
		Title:        body.Title,
		Message:      body.Message,
		Type:         body.Type,
		Priority:     body.Priority,
		TargetUsers:  body.TargetUsers,
		TargetRoles:  body.TargetRoles,
		URLRedirect:  body.URLRedirect,
		TargetModule: body.TargetModule,
		TargetRecord: body.TargetRecord,
		Metadata:     body.Metadata,
	}, nil
}

func compactOrNil(values []string) []string {
	out := compact(values)
	if len(out) == 0 {
		return nil
	}
	return out
}

func describeValidation(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return "Invalid notification payload"
	}
	first := fieldErrors[0]
	switch first.Tag() {
	case "required":
		return fmt.Sprintf("Missing required field: %s", first.Field())
	case "required_without":
		return "At least one of target_users or target_roles is required"
	case "max":
		return fmt.Sprintf("Field %s exceeds maximum length of %s", first.Field(), first.Param())
	default:
		return fmt.Sprintf("Field %s is invalid", first.Field())
	}
}
