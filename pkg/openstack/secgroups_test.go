package openstack

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deNBI/simplevm-client/pkg/apierror"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/rules"
)

func TestParseEtherType(t *testing.T) {
	tests := []struct {
		in       string
		expected rules.RuleEtherType
		wantErr  bool
	}{
		{in: "IPv4", expected: rules.EtherType4},
		{in: "ipv4", expected: rules.EtherType4},
		{in: "IPv6", expected: rules.EtherType6},
		{in: "ipV6", expected: rules.EtherType6},
		{in: "IPX", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			got, err := parseEtherType(test.in)
			if test.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.expected, got)
		})
	}
}

func TestOpenPortRangeRejectsUnknownEtherType(t *testing.T) {
	c := &Connector{}
	ruleID, err := c.OpenPortRangeForVM(context.Background(), "vm-1", 8000, 8010, "IPX", "TCP")
	assert.Empty(t, ruleID)
	assert.True(t, apierror.IsKind(err, apierror.Default))
}
