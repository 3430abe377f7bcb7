package queue

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"time"

	"qms/clinic-queue/internal/models"

	"github.com/go-playground/validator/v10"
)

type PatientInput struct {
	Name    string `json:"name" validate:"required,min=2,max=100,personname"`
	DOB     string `json:"dob" validate:"required,isodate"`
	Phone   string `json:"phone" validate:"required,phone10"`
	Address string `json:"address,omitempty" validate:"max=500"`
	Email   string `json:"email,omitempty" validate:"omitempty,max=255,email"`
	Gender  string `json:"gender,omitempty" validate:"omitempty,oneof=male female other prefer-not-to-say"`
}

type LocationInput struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
}

// CreateTokenRequest is the intake payload. Source defaults to QR_WEB; public
// intake must carry a location, staff intake may omit it.
type CreateTokenRequest struct {
	SpecialistID string         `json:"specialist_id,omitempty" validate:"omitempty,uuid"`
	Patient      PatientInput   `json:"patient"`
	Location     *LocationInput `json:"location,omitempty"`
	Source       string         `json:"-"`
}

var (
	namePattern  = regexp.MustCompile(`^[a-zA-Z\s'-]+$`)
	phonePattern = regexp.MustCompile(`^[0-9]{10}$`)
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

	minDOB = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("personname", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("phone10", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		return datePattern.MatchString(fl.Field().String())
	})
	return v
}

var fieldMessages = map[string]map[string]string{
	"specialist_id": {"uuid": "Invalid specialist ID format"},
	"patient.name": {
		"required":   "Name is required",
		"min":        "Name must be at least 2 characters",
		"max":        "Name must be less than 100 characters",
		"personname": "Name can only contain letters, spaces, hyphens, and apostrophes",
	},
	"patient.dob": {
		"required": "Date of birth is required",
		"isodate":  "Date must be in YYYY-MM-DD format",
	},
	"patient.phone": {
		"required": "Phone number is required",
		"phone10":  "Phone number must be exactly 10 digits",
	},
	"patient.address": {"max": "Address must be less than 500 characters"},
	"patient.email": {
		"max":   "Email must be less than 255 characters",
		"email": "Invalid email format",
	},
	"patient.gender": {"oneof": "Gender must be one of male, female, other, prefer-not-to-say"},
	"location.lat": {
		"required": "Latitude is required",
		"gte":      "Latitude must be between -90 and 90",
		"lte":      "Latitude must be between -90 and 90",
	},
	"location.lng": {
		"required": "Longitude is required",
		"gte":      "Longitude must be between -180 and 180",
		"lte":      "Longitude must be between -180 and 180",
	},
}

func normalize(req CreateTokenRequest) CreateTokenRequest {
	req.SpecialistID = strings.TrimSpace(req.SpecialistID)
	req.Patient.Name = strings.TrimSpace(req.Patient.Name)
	req.Patient.DOB = strings.TrimSpace(req.Patient.DOB)
	req.Patient.Phone = strings.TrimSpace(req.Patient.Phone)
	req.Patient.Address = strings.TrimSpace(req.Patient.Address)
	req.Patient.Email = strings.TrimSpace(req.Patient.Email)
	req.Patient.Gender = strings.TrimSpace(req.Patient.Gender)
	if req.Source == "" {
		req.Source = models.SourceQRWeb
	}
	return req
}

// ValidateCreateToken reports every offending field of req. today is the
// clinic's current civil date and bounds the date of birth.
func ValidateCreateToken(req CreateTokenRequest, today time.Time) error {
	var problems ValidationErrors
	failed := make(map[string]bool)

	if err := validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			field := fieldPath(fe.Namespace())
			failed[field] = true
			problems = append(problems, FieldError{Field: field, Message: fieldMessage(field, fe.Tag())})
		}
	}

	if req.Source != models.SourceStaff && req.Location == nil {
		problems = append(problems, FieldError{Field: "location", Message: "Location is required"})
	}
	if !failed["patient.phone"] && req.Source != models.SourceStaff && repeatedDigits(req.Patient.Phone) {
		problems = append(problems, FieldError{Field: "patient.phone", Message: "Phone number cannot be all the same digit"})
	}
	if !failed["patient.dob"] {
		dob, err := time.Parse(models.DateLayout, req.Patient.DOB)
		if err != nil || dob.Before(minDOB) || dob.After(today) {
			problems = append(problems, FieldError{Field: "patient.dob", Message: "Date of birth must be between 1900-01-01 and today"})
		}
	}

	if len(problems) > 0 {
		return problems
	}
	return nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func fieldMessage(field, tag string) string {
	if messages, ok := fieldMessages[field]; ok {
		if message, ok := messages[tag]; ok {
			return message
		}
	}
	return "is invalid"
}

func repeatedDigits(phone string) bool {
	if phone == "" {
		return false
	}
	for i := 1; i < len(phone); i++ {
		if phone[i] != phone[0] {
			return false
		}
	}
	return true
}
