package validation

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/davidleathers/dispatch-guard/internal/domain/errors"
)

var (
	// E.164: + followed by up to 15 digits
	e164Regex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

	once     sync.Once
	validate *validator.Validate
)

// Validator returns the process-wide validator. e164 is overridden to accept
// the same numbers as values.PhoneNumber; timezone and iso4217 are the
// library's own tags.
func Validator() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("e164", validateE164)
		validate = v
	})
	return validate
}

// Struct validates s and converts failures into a validation AppError
// whose details map each failing field to its tag.
func Struct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.NewValidationError(apperrors.CodeInvalidInput, err.Error())
	}

	fields := make(map[string]interface{}, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
		names = append(names, fe.Namespace())
	}
	sort.Strings(names)

	return apperrors.NewValidationError(apperrors.CodeInvalidInput,
		fmt.Sprintf("invalid %s", strings.Join(names, ", "))).WithDetails(fields)
}

func validateE164(fl validator.FieldLevel) bool {
	return e164Regex.MatchString(fl.Field().String())
}
