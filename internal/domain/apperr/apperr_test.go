package apperr

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
)

type quantityErr struct{}

func (quantityErr) Error() string { return "not enough" }
func (quantityErr) Kind() Kind    { return KindValidation }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindUnknown},
		{name: "plain", err: errors.New("boom"), want: KindUnknown},
		{name: "direct", err: NotFound("cart not found"), want: KindNotFound},
		{name: "wrapped", err: errors.Wrap(Conflict("dup"), "create"), want: KindConflict},
		{name: "classifier", err: errors.Wrap(quantityErr{}, "checkout"), want: KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "cart not found", Message(errors.Wrap(NotFound("cart not found"), "load"), "x"))
	assert.Equal(t, "not enough", Message(errors.Wrap(quantityErr{}, "checkout"), "x"))
	assert.Equal(t, "internal error", Message(errors.New("db down"), "internal error"))
}
