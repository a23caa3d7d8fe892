package schema

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validator checks case and entity records before they enter a store.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator with the schema's custom rules registered.
func NewValidator() *Validator {
	v := validator.New()

	v.RegisterValidation("case_status", func(fl validator.FieldLevel) bool {
		return Status(fl.Field().String()).IsValid()
	})
	v.RegisterValidation("entity_type", func(fl validator.FieldLevel) bool {
		return EntityType(fl.Field().String()).IsValid()
	})

	return &Validator{validate: v}
}

// ValidateCase validates a case record.
func (v *Validator) ValidateCase(c *Case) error {
	if err := v.validate.Struct(c); err != nil {
		return fmt.Errorf("case %q: validation failed: %w", c.ID, err)
	}
	if c.ObservedAt().IsZero() {
		return fmt.Errorf("case %q: time or created_at is required", c.ID)
	}
	return nil
}

// ValidateEntity validates an entity record.
func (v *Validator) ValidateEntity(e *Entity) error {
	if err := v.validate.Struct(e); err != nil {
		return fmt.Errorf("entity %s:%s: validation failed: %w", e.Type, e.ID, err)
	}
	if !e.FirstSeen.IsZero() && !e.LastSeen.IsZero() && e.LastSeen.Before(e.FirstSeen) {
		return fmt.Errorf("entity %s:%s: last_seen before first_seen", e.Type, e.ID)
	}
	return nil
}

// ValidateStoredCase checks only what a stored case needs to be addressed:
// an id and a known status. Cases without a time are accepted and order
// before every timed case.
func (v *Validator) ValidateStoredCase(c *Case) error {
	if err := v.validate.Var(c.ID, "required,max=256"); err != nil {
		return fmt.Errorf("case %q: invalid id: %w", c.ID, err)
	}
	if err := v.validate.Var(string(c.Status), "required,case_status"); err != nil {
		return fmt.Errorf("case %q: invalid status %q", c.ID, c.Status)
	}
	return nil
}

// ValidateStoredEntity checks that a stored entity has a usable key. Risk is
// not checked; readers clamp it with Normalize.
func (v *Validator) ValidateStoredEntity(e *Entity) error {
	if err := v.validate.Var(string(e.Type), "required,entity_type"); err != nil {
		return fmt.Errorf("entity %s:%s: unknown type", e.Type, e.ID)
	}
	if e.Key() == "" {
		return fmt.Errorf("entity %s: id is required", e.Type)
	}
	return nil
}
