package campaign

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// MaxRetriesCeiling bounds the per-campaign retry override.
const MaxRetriesCeiling = 10

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name        string              `json:"name" validate:"required,max=200"`
	Type        domain.CampaignType `json:"type" validate:"required,oneof=email sms push"`
	Subject     string              `json:"subject" validate:"required_if=Type email,max=998"`
	Body        string              `json:"body" validate:"required"`
	Target      domain.TargetRule   `json:"target"`
	ScheduledAt *time.Time          `json:"scheduledAt"`
	MaxRetries  *int                `json:"maxRetries" validate:"omitempty,min=0,max=10"`
}

// UpdateInput holds the fields a PATCH may change. Nil fields are left alone.
type UpdateInput struct {
	Name        *string              `json:"name" validate:"omitempty,min=1,max=200"`
	Type        *domain.CampaignType `json:"type" validate:"omitempty,oneof=email sms push"`
	Subject     *string              `json:"subject" validate:"omitempty,max=998"`
	Body        *string              `json:"body" validate:"omitempty,min=1"`
	Target      *domain.TargetRule   `json:"target"`
	ScheduledAt *time.Time           `json:"scheduledAt"`
	MaxRetries  *int                 `json:"maxRetries" validate:"omitempty,min=0,max=10"`
}

func (in UpdateInput) fields() UpdateFields {
	return UpdateFields{
		Name:        in.Name,
		Type:        in.Type,
		Subject:     in.Subject,
		Body:        in.Body,
		Target:      in.Target,
		ScheduledAt: in.ScheduledAt,
		MaxRetries:  in.MaxRetries,
	}
}

// RunInput optionally overrides a campaign's schedule on run.
type RunInput struct {
	ScheduledAt *time.Time `json:"scheduledAt"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateTargetRule, domain.TargetRule{})
	return v
}

func validateTargetRule(sl validator.StructLevel) {
	rule := sl.Current().Interface().(domain.TargetRule)
	switch rule.Kind {
	case domain.TargetAll:
	case domain.TargetSegment:
		if strings.TrimSpace(rule.SegmentID) == "" {
			sl.ReportError(rule.SegmentID, "segmentId", "SegmentID", "required_for_segment", "")
		}
	case domain.TargetIDs:
		if len(rule.RecipientIDs) == 0 {
			sl.ReportError(rule.RecipientIDs, "recipientIds", "RecipientIDs", "required_for_ids", "")
		}
	default:
		sl.ReportError(rule.Kind, "kind", "Kind", "oneof", "all segment ids")
	}
}

// toValidationError converts validator output into a *ValidationError.
func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	ve := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		ve.Fields[fieldPath(fe)] = fieldMessage(fe)
	}
	return ve
}

// fieldPath strips the root struct name from the namespace:
// "CreateInput.target.kind" becomes "target.kind".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "required_for_segment":
		return "is required when kind is segment"
	case "required_for_ids":
		return "must list at least one recipient when kind is ids"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	}
	return "is invalid"
}
