// Package validate turns raw ingress bytes into a model.Event or an
// InvalidEventError naming the offending field.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/okian/meterline/internal/domain/failure"
	"github.com/okian/meterline/internal/domain/model"
)

const (
	defaultFutureSkew = 5 * time.Minute

	// maxQuantityDigits matches the precision quantities are summed with.
	maxQuantityDigits = 34

	fieldBody       = "body"
	fieldOccurredAt = "occurred_at"
	fieldQuantities = "quantity_dimensions"
	fieldEventType  = "event_type"
)

// wireEvent mirrors the ingress JSON schema.
type wireEvent struct {
	EventID    string                     `json:"event_id" validate:"required,notblank,max=256"`
	OccurredAt string                     `json:"occurred_at" validate:"required"`
	EventType  string                     `json:"event_type" validate:"required,event_type"`
	SubjectID  string                     `json:"subject_id" validate:"required,notblank,max=256"`
	Quantities map[string]json.RawMessage `json:"quantity_dimensions" validate:"required,min=1,dive,keys,required,notblank,max=128,endkeys"`
	Payload    json.RawMessage            `json:"payload,omitempty"`
}

// Validator checks well-formedness and semantic rules of incoming events.
type Validator struct {
	v          *validator.Validate
	eventTypes map[string]struct{}
	futureSkew time.Duration
}

// New builds a Validator. Without WithEventTypes every event type is rejected.
func New(opts ...Option) *Validator {
	val := &Validator{
		eventTypes: map[string]struct{}{},
		futureSkew: defaultFutureSkew,
	}
	for _, opt := range opts {
		opt(val)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	_ = v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		_, ok := val.eventTypes[fl.Field().String()]
		return ok
	})
	val.v = v
	return val
}

// Validate parses raw and applies every rule, including the future-skew
// check against now.
func (val *Validator) Validate(raw []byte, now time.Time) (model.Event, error) {
	evt, err := val.Parse(raw)
	if err != nil {
		return model.Event{}, err
	}
	if evt.OccurredAt.After(now.Add(val.futureSkew)) {
		return model.Event{}, failure.Invalid(fieldOccurredAt,
			fmt.Sprintf("more than %s in the future", val.futureSkew))
	}
	return evt, nil
}

// Parse applies every rule except the time-dependent skew check. It is used
// to decode payloads that were validated when first received.
func (val *Validator) Parse(raw []byte) (model.Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return model.Event{}, failure.Invalid(fieldBody, "empty body")
	}

	var w wireEvent
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return model.Event{}, decodeError(err)
	}

	if err := val.v.Struct(w); err != nil {
		return model.Event{}, structError(err)
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, w.OccurredAt)
	if err != nil {
		return model.Event{}, failure.Invalid(fieldOccurredAt, "must be an RFC3339 timestamp")
	}

	quantities := make(map[string]model.Quantity, len(w.Quantities))
	for name, rawQty := range w.Quantities {
		field := fieldQuantities + "." + name
		rawQty = bytes.TrimSpace(rawQty)
		if len(rawQty) == 0 || !isNumberLiteral(rawQty[0]) {
			return model.Event{}, failure.Invalid(field, "must be a number")
		}
		q, err := model.ParseQuantity(string(rawQty))
		if err != nil {
			return model.Event{}, failure.Invalid(field, "must be a finite decimal")
		}
		if q.IsNegative() {
			return model.Event{}, failure.Invalid(field, "must not be negative")
		}
		if q.Digits() > maxQuantityDigits {
			return model.Event{}, failure.Invalid(field, fmt.Sprintf("must fit in %d decimal digits", maxQuantityDigits))
		}
		quantities[name] = q
	}

	return model.Event{
		EventID:    w.EventID,
		OccurredAt: occurredAt.UTC(),
		EventType:  model.EventType(w.EventType),
		SubjectID:  w.SubjectID,
		Quantities: quantities,
		RawPayload: append([]byte(nil), raw...),
	}, nil
}

func isNumberLiteral(c byte) bool {
	return c == '-' || (c >= '0' && c <= '9')
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			return failure.Invalid(fieldBody, "must be a JSON object")
		}
		if strings.HasPrefix(field, fieldQuantities) {
			field = fieldQuantities
		}
		return failure.Invalid(field, "must be a "+jsonKind(typeErr.Type))
	}
	return failure.Invalid(fieldBody, "malformed JSON")
}

func jsonKind(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return t.String()
	}
}

func structError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return failure.Invalid(fieldBody, err.Error())
	}
	fe := verrs[0]
	field := fe.Field()
	if strings.HasPrefix(fe.Namespace(), "wireEvent."+fieldQuantities) {
		field = fieldQuantities
	}
	return failure.Invalid(field, message(fe))
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		if fe.Kind() == reflect.Map {
			return "is required and must not be empty"
		}
		return "is required"
	case "min":
		return "must not be empty"
	case "notblank":
		return "must not be blank"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case fieldEventType:
		return fmt.Sprintf("unrecognized event type %q", fe.Value())
	default:
		return "is invalid"
	}
}
