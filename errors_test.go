package tagmux

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageFormatting(t *testing.T) {
	e := NewError("tag_send", 3, 1, CodeForbidden, "permission denied")
	assert.Equal(t, "tagmux: permission denied (op=tag_send descriptor=3 level=1)", e.Error())

	e = NewError("tag_get", 3, -1, CodeBusy, "key already registered")
	assert.Equal(t, "tagmux: key already registered (op=tag_get descriptor=3)", e.Error())

	e = NewError("tag_get", -1, -1, CodeInvalid, "key must be >= 0")
	assert.Equal(t, "tagmux: key must be >= 0 (op=tag_get)", e.Error())
}

func TestErrorDefaultsMsgToCode(t *testing.T) {
	e := &Error{Op: "tag_ctl", Descriptor: -1, Level: -1, Code: CodeProtocol}
	assert.Equal(t, "tagmux: protocol (op=tag_ctl)", e.Error())
}

func TestIsCodeMatchesByTaxonomyNotIdentity(t *testing.T) {
	err := NewError("tag_send", 0, 0, CodeNotFound, "no tag at descriptor")
	assert.True(t, IsCode(err, CodeNotFound))
	assert.False(t, IsCode(err, CodeBusy))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrBusy))
}

func TestIsCodeFalseForPlainError(t *testing.T) {
	assert.False(t, IsCode(errors.New("boom"), CodeInvalid))
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("underlying cause")
	e := &Error{Op: "tag_get", Descriptor: -1, Level: -1, Code: CodeNoMemory, Inner: inner}
	assert.Same(t, inner, errors.Unwrap(e))
}

func TestWrapErrorCarriesInner(t *testing.T) {
	inner := errors.New("simulated allocation failure")
	e := WrapError("tag_get", 3, -1, CodeNoMemory, "level allocation failed", inner)

	assert.Equal(t, "tagmux: level allocation failed (op=tag_get descriptor=3)", e.Error())
	assert.Same(t, inner, errors.Unwrap(e))
	assert.True(t, errors.Is(e, ErrNoMemory))
	assert.True(t, IsCode(e, CodeNoMemory))
}

func TestWrapErrorVsNewErrorInner(t *testing.T) {
	plain := NewError("tag_send", 0, 0, CodeFault, "copy failed")
	assert.Nil(t, errors.Unwrap(plain))

	wrapped := WrapError("tag_send", 0, 0, CodeFault, "copy failed", errors.New("cause"))
	assert.NotNil(t, errors.Unwrap(wrapped))
}
