// Package portcalc computes the gateway port mapping for a VM from its fixed
// IPv4 address. The two expressions (SSH and UDP) come from the config and
// are evaluated over the free variables x (last octet) and y (second-to-last
// octet). The same expressions are shipped verbatim to the cluster
// provisioner as its port function.
package portcalc

import (
	"fmt"
	"net"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Calculator evaluates the configured SSH and UDP port expressions.
type Calculator struct {
	sshExpr string
	udpExpr string
	ssh     cel.Program
	udp     cel.Program
}

// New compiles both expressions. An undefined symbol or a non-arithmetic
// expression is a configuration error reported here, not at call time.
func New(sshExpr, udpExpr string) (*Calculator, error) {
	env, err := cel.NewEnv(
		cel.Variable("x", cel.IntType),
		cel.Variable("y", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build expression environment: %w", err)
	}
	ssh, err := compile(env, sshExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid ssh_port_calculation %q: %w", sshExpr, err)
	}
	udp, err := compile(env, udpExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid udp_port_calculation %q: %w", udpExpr, err)
	}
	return &Calculator{sshExpr: sshExpr, udpExpr: udpExpr, ssh: ssh, udp: udp}, nil
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if ast.OutputType() != cel.IntType {
		return nil, fmt.Errorf("expression does not produce an integer (got %s)", ast.OutputType())
	}
	return env.Program(ast)
}

// Ports returns (sshPort, udpPort) for the given fixed IPv4 address.
func (c *Calculator) Ports(fixedIPv4 string) (int, int, error) {
	ip := net.ParseIP(fixedIPv4)
	if ip == nil || ip.To4() == nil {
		return 0, 0, fmt.Errorf("invalid fixed IPv4 address %q", fixedIPv4)
	}
	v4 := ip.To4()
	// x is the host octet, y the subnet octet.
	vars := map[string]any{"x": int64(v4[3]), "y": int64(v4[2])}

	sshPort, err := eval(c.ssh, vars)
	if err != nil {
		return 0, 0, fmt.Errorf("ssh port calculation failed for %s: %w", fixedIPv4, err)
	}
	udpPort, err := eval(c.udp, vars)
	if err != nil {
		return 0, 0, fmt.Errorf("udp port calculation failed for %s: %w", fixedIPv4, err)
	}
	return sshPort, udpPort, nil
}

func eval(prg cel.Program, vars map[string]any) (int, error) {
	out, _, err := prg.Eval(vars)
	if err != nil {
		return 0, err
	}
	n, ok := out.(types.Int)
	if !ok {
		return 0, fmt.Errorf("expression result is not an integer: %v", out)
	}
	return int(n), nil
}

// SSHExpression returns the configured SSH port expression verbatim.
func (c *Calculator) SSHExpression() string { return c.sshExpr }

// UDPExpression returns the configured UDP port expression verbatim.
func (c *Calculator) UDPExpression() string { return c.udpExpr }
