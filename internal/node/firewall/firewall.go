// Package firewall is a thin adapter over UFW, mutating rules through the
// shared host executor (spec §4.2). Grounded on the exec+parse idiom of
// richdz12-traffic-guard's IptablesCommandService, generalized to UFW's
// numbered-rule text format.
package firewall

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nodewatch/fleetctl/internal/node/hostexec"
	"github.com/nodewatch/fleetctl/internal/platform/errs"
)

const defaultTimeout = 15 * time.Second

// Rule is one parsed line of `ufw status numbered`.
type Rule struct {
	Number    int
	Port      int
	Proto     string // "" when the rule has no explicit proto (any)
	Action    string // ALLOW | DENY
	Direction string // IN | OUT | FWD | "" (unspecified means IN)
	Target    string // the remainder of the line: CIDR/host/port spec
	IPv6      bool
}

var ruleLine = regexp.MustCompile(`^\[\s*(\d+)\]\s+(\d+)(?:/(\w+))?\s+(ALLOW|DENY)\s+(IN|OUT|FWD)?\s*(.+?)(\s+\(v6\))?$`)

// Driver wraps a hostexec.Executor with UFW-specific operations.
type Driver struct {
	exec *hostexec.Executor
}

func New(exec *hostexec.Executor) *Driver {
	return &Driver{exec: exec}
}

func (d *Driver) run(ctx context.Context, args ...string) (hostexec.Result, error) {
	res := d.exec.Execute(ctx, "ufw "+strings.Join(args, " "), defaultTimeout, "sh")
	if !res.Success {
		return res, errs.New(errs.KindHostCommand, "ufw command failed", fmt.Errorf("%s", res.Stderr))
	}
	return res, nil
}

// AddSimple allows/opens a single port+proto.
func (d *Driver) AddSimple(ctx context.Context, port int, proto string) error {
	_, err := d.run(ctx, "allow", fmt.Sprintf("%d/%s", port, proto))
	return err
}

// AddAdvanced adds a rule of the form `ufw <action> <direction> [from <cidr>]
// to any port <port> [proto <proto>]`.
func (d *Driver) AddAdvanced(ctx context.Context, port int, proto, action string, fromIP string, direction string) error {
	args := []string{strings.ToLower(action), strings.ToLower(direction)}
	if fromIP != "" {
		args = append(args, "from", fromIP)
	} else {
		args = append(args, "from", "any")
	}
	args = append(args, "to", "any", "port", strconv.Itoa(port))
	if proto != "" {
		args = append(args, "proto", proto)
	}
	_, err := d.run(ctx, args...)
	return err
}

// RemoveByPort deletes the ALLOW rule for port (and proto, when given);
// DENY rules on the same port are left in place. UFW's "Could not
// delete non-existent rule" is treated as success (idempotent removal,
// spec §4.2 edge case).
func (d *Driver) RemoveByPort(ctx context.Context, port int, proto string) error {
	spec := fmt.Sprintf("%d", port)
	if proto != "" {
		spec = fmt.Sprintf("%d/%s", port, proto)
	}
	res := d.exec.Execute(ctx, "ufw delete allow "+spec, defaultTimeout, "sh")
	if !res.Success && !strings.Contains(res.Stdout+res.Stderr, "Could not delete non-existent rule") {
		return errs.New(errs.KindHostCommand, "ufw delete failed", fmt.Errorf("%s", res.Stderr))
	}
	return nil
}

// RemoveByNumber deletes the Nth numbered rule. Same idempotent-removal
// edge case as RemoveByPort.
func (d *Driver) RemoveByNumber(ctx context.Context, n int) error {
	// `ufw delete <n>` prompts for confirmation on an interactive TTY;
	// --force suppresses that prompt for non-interactive execution.
	res := d.exec.Execute(ctx, fmt.Sprintf("ufw --force delete %d", n), defaultTimeout, "sh")
	if !res.Success && !strings.Contains(res.Stdout+res.Stderr, "Could not delete non-existent rule") {
		return errs.New(errs.KindHostCommand, "ufw delete failed", fmt.Errorf("%s", res.Stderr))
	}
	return nil
}

// List parses `ufw status numbered` into structured Rules.
func (d *Driver) List(ctx context.Context) ([]Rule, error) {
	res, err := d.run(ctx, "status", "numbered")
	if err != nil {
		return nil, err
	}
	var rules []Rule
	for _, line := range strings.Split(res.Stdout, "\n") {
		m := ruleLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		num, _ := strconv.Atoi(m[1])
		port, _ := strconv.Atoi(m[2])
		rules = append(rules, Rule{
			Number:    num,
			Port:      port,
			Proto:     m[3],
			Action:    m[4],
			Direction: m[5],
			Target:    strings.TrimSpace(m[6]),
			IPv6:      strings.TrimSpace(m[7]) == "(v6)",
		})
	}
	return rules, nil
}

// Status returns the raw `ufw status verbose` output.
func (d *Driver) Status(ctx context.Context) (string, error) {
	res, err := d.run(ctx, "status", "verbose")
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (d *Driver) Enable(ctx context.Context) error {
	_, err := d.run(ctx, "--force", "enable")
	return err
}

func (d *Driver) Disable(ctx context.Context) error {
	_, err := d.run(ctx, "disable")
	return err
}

func (d *Driver) Reset(ctx context.Context) error {
	_, err := d.run(ctx, "--force", "reset")
	return err
}
