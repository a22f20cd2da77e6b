package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Validater interface {
	Validate() map[string]string
}

func Validate(v Validater) map[string]string {
	return v.Validate()
}

type CreateKBParams struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description"`
}

type SearchParams struct {
	Query          string      `json:"query" validate:"required"`
	KBIDs          []uuid.UUID `json:"kb_ids" validate:"required,min=1"`
	TopK           int         `json:"top_k" validate:"omitempty,min=1,max=50"`
	// Nil means "use the configured threshold"; zero is a valid override.
	ScoreThreshold *float64 `json:"score_threshold" validate:"omitempty,min=0,max=1"`
}

type QAParams struct {
	Question string      `json:"question" validate:"required"`
	KBIDs    []uuid.UUID `json:"kb_ids" validate:"required,min=1"`
}

func (params *CreateKBParams) Validate() map[string]string { return validateStruct(params) }
func (params *SearchParams) Validate() map[string]string   { return validateStruct(params) }
func (params *QAParams) Validate() map[string]string       { return validateStruct(params) }

func validateStruct(v any) map[string]string {
	validate := validator.New()
	if err := validate.Struct(v); err != nil {
		errs := err.(validator.ValidationErrors)
		errors := make(map[string]string)
		for _, e := range errs {
			errors[e.Field()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
		}
		return errors
	}
	return nil
}
