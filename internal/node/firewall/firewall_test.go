package firewall

import (
	"strconv"
	"strings"
	"testing"
)

// parseLine mirrors the loop body of Driver.List, exercised directly
// against ruleLine so the parsing logic is testable without a live ufw
// binary.
func parseLine(line string) (Rule, bool) {
	m := ruleLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return Rule{}, false
	}
	num, _ := strconv.Atoi(m[1])
	port, _ := strconv.Atoi(m[2])
	return Rule{
		Number:    num,
		Port:      port,
		Proto:     m[3],
		Action:    m[4],
		Direction: m[5],
		Target:    strings.TrimSpace(m[6]),
		IPv6:      strings.TrimSpace(m[7]) == "(v6)",
	}, true
}

func TestRuleLineParsesSimpleAllow(t *testing.T) {
	got, ok := parseLine("[ 1] 22/tcp                     ALLOW IN    Anywhere")
	if !ok {
		t.Fatal("expected line to match ruleLine")
	}
	want := Rule{Number: 1, Port: 22, Proto: "tcp", Action: "ALLOW", Direction: "IN", Target: "Anywhere"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestRuleLineParsesRuleWithoutProto(t *testing.T) {
	got, ok := parseLine("[ 2] 80                         ALLOW IN    192.168.1.0/24")
	if !ok {
		t.Fatal("expected line to match ruleLine")
	}
	if got.Proto != "" {
		t.Errorf("expected empty proto, got %q", got.Proto)
	}
	if got.Port != 80 || got.Target != "192.168.1.0/24" {
		t.Errorf("got %+v", got)
	}
}

func TestRuleLineParsesDenyRule(t *testing.T) {
	got, ok := parseLine("[ 5] 8080/tcp                   DENY IN     203.0.113.0/24")
	if !ok {
		t.Fatal("expected line to match ruleLine")
	}
	if got.Action != "DENY" {
		t.Errorf("expected DENY action, got %q", got.Action)
	}
}

func TestRuleLineParsesIPv6Suffix(t *testing.T) {
	got, ok := parseLine("[ 3] 443/tcp                    ALLOW IN    Anywhere (v6)")
	if !ok {
		t.Fatal("expected line to match ruleLine")
	}
	if !got.IPv6 {
		t.Error("expected IPv6 to be true")
	}
	if got.Target != "Anywhere" {
		t.Errorf("expected target trimmed of the (v6) suffix, got %q", got.Target)
	}
}

func TestRuleLineIgnoresNonRuleLines(t *testing.T) {
	nonRuleLines := []string{
		"Status: active",
		"",
		"Logging: on (low)",
		"To                         Action      From",
		"--                         ------      ----",
	}
	for _, line := range nonRuleLines {
		if _, ok := parseLine(line); ok {
			t.Errorf("expected non-rule line %q to not match", line)
		}
	}
}

func TestDriverSliceOfRulesFromFullStatusOutput(t *testing.T) {
	output := `Status: active

     To                         Action      From
     --                         ------      ----
[ 1] 22/tcp                     ALLOW IN    Anywhere
[ 2] 443/tcp                    ALLOW IN    Anywhere
[ 3] 8080                       DENY IN     203.0.113.5
`
	var rules []Rule
	for _, line := range strings.Split(output, "\n") {
		if r, ok := parseLine(line); ok {
			rules = append(rules, r)
		}
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 parsed rules, got %d: %+v", len(rules), rules)
	}
	if rules[2].Action != "DENY" || rules[2].Port != 8080 {
		t.Errorf("unexpected third rule: %+v", rules[2])
	}
}
