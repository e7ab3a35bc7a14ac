package session

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/mwalimu/core"
)

var (
	statusTag  = "sessionstatus"
	statusText = "{0} must be one of pending, processing, completed or failed"
)

// InitValidators registers the session validators. core.InitValidators must have been called first.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(statusTag, statusValidation)
	core.RegisterCustomTranslation(validate, translator, statusTag, statusText)
}

// statusValidation checks that a status is one of AllStatuses.
func statusValidation(fl validator.FieldLevel) bool {
	val := Status(fl.Field().String())
	for _, s := range AllStatuses {
		if val == s {
			return true
		}
	}
	return false
}
