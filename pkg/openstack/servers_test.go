package openstack

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deNBI/simplevm-client/pkg/apierror"
)

func TestAcceptsAttachments(t *testing.T) {
	ready, err := acceptsAttachments("vm-1", "ACTIVE")
	assert.NoError(t, err)
	assert.True(t, ready)

	ready, err = acceptsAttachments("vm-1", "BUILD")
	assert.NoError(t, err)
	assert.False(t, ready)

	ready, err = acceptsAttachments("vm-1", "ERROR")
	assert.False(t, ready)
	assert.True(t, apierror.IsKind(err, apierror.Default))
}
