package apierror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(ServerNotFound, "vm-1", "server not found")
	assert.Equal(t, ServerNotFound, KindOf(err))
	assert.Equal(t, Default, KindOf(errors.New("plain")))

	// The kind survives wrapping with %w.
	wrapped := fmt.Errorf("while polling: %w", err)
	assert.Equal(t, ServerNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, ServerNotFound))
	assert.False(t, IsKind(wrapped, VolumeNotFound))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("409 conflict")
	err := Wrap(OpenStackConflict, "vm-1", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, OpenStackConflict, KindOf(err))

	assert.Nil(t, Wrap(OpenStackConflict, "vm-1", nil))
}

func TestErrorString(t *testing.T) {
	err := New(ImageNotFound, "ubuntu 22.04", "image not found")
	assert.Equal(t, "ImageNotFound: image not found (ubuntu 22.04)", err.Error())

	bare := New(Default, "", "boom")
	assert.Equal(t, "DefaultException: boom", bare.Error())
}
