package portcalc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPorts(t *testing.T) {
	tests := []struct {
		name        string
		sshExpr     string
		udpExpr     string
		ip          string
		expectedSSH int
		expectedUDP int
		expectErr   bool
	}{
		{
			name:        "documented gateway mapping",
			sshExpr:     "30000 + x + y * 256",
			udpExpr:     "30000 + x + y * 256",
			ip:          "10.0.2.15",
			expectedSSH: 30527,
			expectedUDP: 30527,
		},
		{
			name:        "distinct udp base",
			sshExpr:     "30000 + x + y * 256",
			udpExpr:     "x + y * 256",
			ip:          "192.168.1.100",
			expectedSSH: 30356,
			expectedUDP: 356,
		},
		{
			name:      "not an ipv4 address",
			sshExpr:   "30000 + x",
			udpExpr:   "30000 + x",
			ip:        "fe80::1",
			expectErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			calc, err := New(test.sshExpr, test.udpExpr)
			require.NoError(t, err)
			ssh, udp, err := calc.Ports(test.ip)
			if test.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expectedSSH, ssh)
			assert.Equal(t, test.expectedUDP, udp)
		})
	}
}

func TestNewRejectsBadExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{name: "undefined symbol", expr: "30000 + z"},
		{name: "non integer result", expr: "'not a port'"},
		{name: "syntax error", expr: "30000 +"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(test.expr, "30000 + x")
			assert.Error(t, err)
		})
	}
}

func TestExpressionsShippedVerbatim(t *testing.T) {
	calc, err := New("30000 + x + y * 256", "35000 + x + y * 256")
	require.NoError(t, err)
	assert.Equal(t, "30000 + x + y * 256", calc.SSHExpression())
	assert.Equal(t, "35000 + x + y * 256", calc.UDPExpression())
}
