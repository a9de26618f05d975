package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrap(ErrNotFound, "schedule abc")
	err = Wrap(err, "failed to load schedule")

	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "failed to load schedule")
	assert.Contains(t, err.Error(), "not found")
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("constraint %s", "foo")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "constraint foo")
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("bad predicate on trigger %d", 2)
	assert.True(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "bad predicate on trigger 2")
}

func TestMark(t *testing.T) {
	sentinel := New("transient")
	err := Mark(New("connection reset"), sentinel)

	assert.True(t, Is(err, sentinel))
	assert.Equal(t, "connection reset", err.Error())
}

func TestDetailsSurviveWrapping(t *testing.T) {
	err := New("insert failed")
	err = WithDetail(err, "Constraint ID: foo")
	err = Wrap(err, "failed to save occurrences")

	details := GetAllDetails(err)
	assert.Contains(t, details, "Constraint ID: foo")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, WithDetail(nil, "detail"))
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsInvalidRequestError(nil))
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
}

func ExampleWrap() {
	baseErr := New("disk full")
	err := Wrap(baseErr, "failed to move asset")
	fmt.Println(err)
	// Output: failed to move asset: disk full
}
