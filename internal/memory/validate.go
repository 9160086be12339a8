package memory

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/mohammad-safakhou/quantgov/internal/fault"
	"golang.org/x/crypto/blake2b"
)

var memoryValidate *validator.Validate

func init() {
	memoryValidate = validator.New()
}

// Limits bound what Store accepts.
type Limits struct {
	MaxContentLength    int
	EmbeddingDimensions int
}

// DefaultLimits mirror the stock configuration.
func DefaultLimits() Limits {
	return Limits{MaxContentLength: 4000, EmbeddingDimensions: 1536}
}

// Validate checks the request against the struct tags and the configured limits.
func (r StoreRequest) Validate(limits Limits) error {
	if err := memoryValidate.Struct(r); err != nil {
		return translate(err)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fault.Invalid("content", "must not be blank")
	}
	if limits.MaxContentLength > 0 && utf8.RuneCountInString(r.Content) > limits.MaxContentLength {
		return fault.Invalid("content", fmt.Sprintf("exceeds %d characters", limits.MaxContentLength))
	}
	if limits.EmbeddingDimensions > 0 && len(r.Embedding) != limits.EmbeddingDimensions {
		return fault.Invalid("embedding", fmt.Sprintf("expected %d dimensions, got %d", limits.EmbeddingDimensions, len(r.Embedding)))
	}
	for i, ref := range r.Refs {
		if ref == nil {
			return fault.Invalid(fmt.Sprintf("refs[%d]", i), "required")
		}
		if err := memoryValidate.Struct(ref); err != nil {
			verr := translate(err).(*fault.ValidationError)
			verr.Field = fmt.Sprintf("refs[%d].%s", i, verr.Field)
			return verr
		}
	}
	return nil
}

func translate(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return &fault.ValidationError{Field: strings.ToLower(fe.Field()), Reason: reason}
	}
	return &fault.ValidationError{Reason: err.Error()}
}

// ContentHash is the hex blake2b-256 digest of the content.
func ContentHash(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
