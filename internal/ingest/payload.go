package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"faultline/internal/store"
)

// Bounds the validator enforces on every payload. The message bound is
// mode-dependent (truncate or reject) and checked separately.
const (
	MaxMessageBytes  = 10 << 10
	MaxFrames        = 200
	MaxMetadataBytes = 10 << 10
)

// Payload is the client body of POST /api/errors.
type Payload struct {
	Message     string             `json:"message" validate:"required"`
	StackTrace  []store.Frame      `json:"stackTrace" validate:"max=200"`
	Environment string             `json:"environment" validate:"required,max=100"`
	Severity    string             `json:"severity" validate:"max=40"`
	Timestamp   *time.Time         `json:"timestamp"`
	UserContext *store.UserContext `json:"userContext"`
	Metadata    map[string]any     `json:"metadata"`
	SessionID   string             `json:"sessionId" validate:"max=128"`
}

// ValidationError lists every failed field with a reason, so clients can
// fix a payload in one round trip.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		names = append(names, f)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("invalid payload:")
	for _, f := range names {
		b.WriteString(" ")
		b.WriteString(f)
		b.WriteString(": ")
		b.WriteString(e.Fields[f])
		b.WriteString(";")
	}
	return strings.TrimSuffix(b.String(), ";")
}

// newValidator tags errors with the JSON field names clients actually sent.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func fieldReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at most %s items", fe.Param())
		}
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}

func validationFields(err error) map[string]string {
	fields := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields[fe.Field()] = fieldReason(fe)
		}
	}
	return fields
}

// metadataSize measures the metadata tree as it would be stored. The body
// cap already bounds the input, so one extra marshal here is cheap.
func metadataSize(m map[string]any) int {
	if len(m) == 0 {
		return 0
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return MaxMetadataBytes + 1
	}
	return len(raw)
}
