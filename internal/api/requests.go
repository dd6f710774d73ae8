package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"example.com/laptracker/internal/domain"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreatePatientRequest is the payload for POST /v1/patients.
type CreatePatientRequest struct {
	Name  string  `json:"name" validate:"required,max=255"`
	Email *string `json:"email" validate:"omitempty,max=255"`
	Phone *string `json:"phone" validate:"omitempty,max=50"`
}

// IncrementLapTotalRequest is the payload for POST /v1/patients/{id}/laps-total.
type IncrementLapTotalRequest struct {
	Delta *int64 `json:"delta" validate:"required,gte=0"`
}

// OpenSessionRequest is the payload for POST /v1/sessions.
type OpenSessionRequest struct {
	PatientID string `json:"patient_id" validate:"required"`
}

// RecordLapsRequest is the payload for POST /v1/laps. Values are checked for
// presence; lap_count must also fit the INTEGER column.
type RecordLapsRequest struct {
	PatientID   string        `json:"patient_id" validate:"required"`
	LapCount    *int          `json:"lap_count" validate:"required,min=-2147483648,max=2147483647"`
	Distance    *float64      `json:"total_distance" validate:"required"`
	ElapsedTime *FlexibleText `json:"elapsed_time" validate:"required,max=20"`
}

// FlexibleText accepts either a JSON string or a JSON number and keeps its textual form.
type FlexibleText string

// UnmarshalJSON implements json.Unmarshaler.
func (t *FlexibleText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = FlexibleText(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("expected a string or a number")
	}
	*t = FlexibleText(n.String())
	return nil
}

func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "max":
			if fe.Kind() == reflect.String {
				msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
			} else {
				msgs = append(msgs, fmt.Sprintf("%s must be <= %s", fe.Field(), fe.Param()))
			}
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param()))
		case "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(msgs, "; "))
}
