// Package haproxy edits a systemd-managed HAProxy instance through its
// config file and validates every mutation with `haproxy -c` before it
// takes effect (spec §4.4). Grounded on the exec-wrapper idiom shared by
// every node driver in this module (hostexec.Executor), and on
// richdz12-traffic-guard's systemd-unit handling
// (internal/service/command.go's IsServiceActive/Enable/Start) for the
// reload state machine.
package haproxy

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nodewatch/fleetctl/internal/node/hostexec"
	"github.com/nodewatch/fleetctl/internal/platform/errs"
)

const (
	configPath   = "/etc/haproxy/haproxy.cfg"
	backupPath   = configPath + ".bak"
	beginSentinel = "# === RULES START ==="
	endSentinel   = "# === RULES END ==="

	defaultTimeout = 10 * time.Second
	certTimeout    = 120 * time.Second
	statusCacheTTL = 5 * time.Second
)

// ruleNameRe is the spec §3 name constraint for HAProxyRule.
var ruleNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Rule is the spec §3 HAProxyRule: (name, kind, listen_port, target_ip,
// target_port, cert_domain?, target_ssl, send_proxy), rendered into and
// parsed back from the sentinel-delimited rules region.
type Rule struct {
	Name       string `json:"name"`
	Kind       string `json:"rule_type"` // "tcp" or "https"
	ListenPort int    `json:"listen_port"`
	TargetIP   string `json:"target_ip"`
	TargetPort int    `json:"target_port"`
	CertDomain string `json:"cert_domain,omitempty"`
	TargetSSL  bool   `json:"target_ssl"`
	SendProxy  bool   `json:"send_proxy"`
}

func (r Rule) validate() error {
	if !ruleNameRe.MatchString(r.Name) {
		return errs.New(errs.KindValidation, "rule name must match [A-Za-z0-9_-]+", nil)
	}
	if r.Kind != "tcp" && r.Kind != "https" {
		return errs.New(errs.KindValidation, "rule_type must be tcp or https", nil)
	}
	if r.ListenPort < 1 || r.ListenPort > 65535 || r.TargetPort < 1 || r.TargetPort > 65535 {
		return errs.New(errs.KindValidation, "listen_port/target_port must be in 1..65535", nil)
	}
	if r.TargetIP == "" {
		return errs.New(errs.KindValidation, "target_ip is required", nil)
	}
	return nil
}

// render produces the stanza this rule is stored as, tagged with a
// "# rule:<name>" marker so RemoveRule/parseRules can find its boundaries.
func (r Rule) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# rule:%s\n", r.Name)
	fmt.Fprintf(&b, "frontend %s_in\n", r.Name)
	if r.Kind == "https" {
		fmt.Fprintf(&b, "    bind *:%d ssl crt /etc/haproxy/certs/%s.pem\n", r.ListenPort, r.CertDomain)
		b.WriteString("    mode http\n")
	} else {
		fmt.Fprintf(&b, "    bind *:%d\n", r.ListenPort)
		b.WriteString("    mode tcp\n")
	}
	fmt.Fprintf(&b, "    default_backend %s_back\n\n", r.Name)
	fmt.Fprintf(&b, "backend %s_back\n", r.Name)
	if r.Kind == "https" {
		b.WriteString("    mode http\n")
	} else {
		b.WriteString("    mode tcp\n")
	}
	fmt.Fprintf(&b, "    server srv1 %s:%d check inter 5s fall 3 rise 2", r.TargetIP, r.TargetPort)
	if r.TargetSSL {
		b.WriteString(" ssl verify none")
	}
	if r.SendProxy {
		b.WriteString(" send-proxy")
	}
	b.WriteString("\n")
	return b.String()
}

var (
	ruleTagRe    = regexp.MustCompile(`(?m)^# rule:(\S+)\s*$`)
	bindPortRe   = regexp.MustCompile(`(?m)bind \*:(\d+)(.*)$`)
	certCrtRe    = regexp.MustCompile(`crt /etc/haproxy/certs/(\S+)\.pem`)
	serverLineRe = regexp.MustCompile(`(?m)server srv1 ([0-9.]+):(\d+) check inter 5s fall 3 rise 2(.*)$`)
)

// parseRules reads structured rules back out of a rules region, the
// inverse of render. A stanza that doesn't parse cleanly is skipped rather
// than failing the whole list, since the region may carry operator-edited
// rules from before this driver tracked structured fields.
func parseRules(region string) []Rule {
	tagIdx := ruleTagRe.FindAllStringSubmatchIndex(region, -1)
	var rules []Rule
	for i, m := range tagIdx {
		start := m[0]
		end := len(region)
		if i+1 < len(tagIdx) {
			end = tagIdx[i+1][0]
		}
		name := region[m[2]:m[3]]
		block := region[start:end]

		r := Rule{Name: name, Kind: "tcp"}
		if bm := bindPortRe.FindStringSubmatch(block); bm != nil {
			r.ListenPort, _ = strconv.Atoi(bm[1])
			if strings.Contains(bm[2], "ssl") {
				r.Kind = "https"
			}
		}
		if cm := certCrtRe.FindStringSubmatch(block); cm != nil {
			r.CertDomain = cm[1]
		}
		if sm := serverLineRe.FindStringSubmatch(block); sm != nil {
			r.TargetIP = sm[1]
			r.TargetPort, _ = strconv.Atoi(sm[2])
			tail := sm[3]
			r.TargetSSL = strings.Contains(tail, "ssl verify none")
			r.SendProxy = strings.Contains(tail, "send-proxy")
		}
		rules = append(rules, r)
	}
	return rules
}

type Driver struct {
	exec *hostexec.Executor

	mu sync.Mutex

	statusMu      sync.Mutex
	statusCache   string
	statusCacheAt time.Time

	certMu           sync.Mutex
	suspendedForCert bool
}

func New(exec *hostexec.Executor) *Driver {
	return &Driver{exec: exec}
}

// readConfig/writeConfig wrap the sentinel-delimited rules region.
func (d *Driver) readConfig() (string, error) {
	b, err := os.ReadFile(configPath)
	if err != nil {
		return "", errs.New(errs.KindHostCommand, "read haproxy config failed", err)
	}
	return string(b), nil
}

func (d *Driver) rulesRegion(cfg string) (before, region, after string, ok bool) {
	bi := strings.Index(cfg, beginSentinel)
	ei := strings.Index(cfg, endSentinel)
	if bi < 0 || ei < 0 || ei < bi {
		return "", "", "", false
	}
	before = cfg[:bi+len(beginSentinel)] + "\n"
	region = cfg[bi+len(beginSentinel) : ei]
	after = endSentinel + cfg[ei+len(endSentinel):]
	return before, region, after, true
}

// applyRulesRegion rewrites only the rules region, validates the result,
// and restores the .bak file if validation fails (spec §4.4 invariant).
func (d *Driver) applyRulesRegion(ctx context.Context, newRegion string) error {
	cfg, err := d.readConfig()
	if err != nil {
		return err
	}
	before, _, after, ok := d.rulesRegion(cfg)
	if !ok {
		return errs.New(errs.KindConflict, "haproxy config missing rules sentinels", nil)
	}
	newCfg := before + newRegion + after

	if err := os.WriteFile(backupPath, []byte(cfg), 0o644); err != nil {
		return errs.New(errs.KindHostCommand, "backup haproxy config failed", err)
	}
	if err := os.WriteFile(configPath, []byte(newCfg), 0o644); err != nil {
		d.restoreBackup()
		return errs.New(errs.KindHostCommand, "write haproxy config failed", err)
	}
	if err := d.validate(ctx); err != nil {
		d.restoreBackup()
		return err
	}
	d.invalidateStatusCache()
	return nil
}

func (d *Driver) restoreBackup() {
	if b, err := os.ReadFile(backupPath); err == nil {
		_ = os.WriteFile(configPath, b, 0o644)
	}
}

func (d *Driver) validate(ctx context.Context) error {
	res := d.exec.Execute(ctx, fmt.Sprintf("haproxy -c -f %s", configPath), defaultTimeout, "sh")
	if !res.Success {
		return errs.New(errs.KindValidation, "haproxy config validation failed", fmt.Errorf("%s", res.Stderr))
	}
	return nil
}

// AddRule renders rule into a stanza and appends it to the managed region.
func (d *Driver) AddRule(ctx context.Context, rule Rule) error {
	if err := rule.validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cfg, err := d.readConfig()
	if err != nil {
		return err
	}
	_, region, _, ok := d.rulesRegion(cfg)
	if !ok {
		return errs.New(errs.KindConflict, "haproxy config missing rules sentinels", nil)
	}
	for _, existing := range parseRules(region) {
		if existing.Name == rule.Name {
			return errs.New(errs.KindConflict, "a rule named "+rule.Name+" already exists", nil)
		}
	}
	newRegion := region + "\n" + rule.render()
	return d.applyRulesRegion(ctx, newRegion)
}

// ListRules returns the rules currently parsed out of the managed region.
func (d *Driver) ListRules(ctx context.Context) ([]Rule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg, err := d.readConfig()
	if err != nil {
		return nil, err
	}
	_, region, _, ok := d.rulesRegion(cfg)
	if !ok {
		return nil, errs.New(errs.KindConflict, "haproxy config missing rules sentinels", nil)
	}
	rules := parseRules(region)
	if rules == nil {
		rules = []Rule{}
	}
	return rules, nil
}

// usesPort80 reports whether any rule in the managed region binds port 80,
// the condition GenerateCert checks before stopping HAProxy for certbot.
func (d *Driver) usesPort80(ctx context.Context) bool {
	rules, err := d.ListRules(ctx)
	if err != nil {
		return false
	}
	for _, r := range rules {
		if r.ListenPort == 80 {
			return true
		}
	}
	return false
}

// RemoveRule deletes the stanza tagged with name, idempotently.
func (d *Driver) RemoveRule(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg, err := d.readConfig()
	if err != nil {
		return err
	}
	_, region, _, ok := d.rulesRegion(cfg)
	if !ok {
		return errs.New(errs.KindConflict, "haproxy config missing rules sentinels", nil)
	}
	tag := "# rule:" + name
	lines := strings.Split(region, "\n")
	var kept []string
	skip := false
	for _, l := range lines {
		if strings.TrimSpace(l) == tag {
			skip = true
			continue
		}
		if skip && strings.HasPrefix(strings.TrimSpace(l), "# rule:") {
			skip = false
		}
		if !skip {
			kept = append(kept, l)
		}
	}
	return d.applyRulesRegion(ctx, strings.Join(kept, "\n"))
}

// serviceActive/serviceInstalled mirror the teacher's systemctl-based
// predicates.
func (d *Driver) serviceActive(ctx context.Context) bool {
	res := d.exec.Execute(ctx, "systemctl is-active haproxy", defaultTimeout, "sh")
	return strings.TrimSpace(res.Stdout) == "active"
}

func (d *Driver) serviceInstalled(ctx context.Context) bool {
	res := d.exec.Execute(ctx, "systemctl status haproxy", defaultTimeout, "sh")
	return !strings.Contains(res.Stdout+res.Stderr, "could not be found")
}

func (d *Driver) invalidateStatusCache() {
	d.statusMu.Lock()
	d.statusCacheAt = time.Time{}
	d.statusMu.Unlock()
}

// Status returns the cached (5s) service state.
func (d *Driver) Status(ctx context.Context) string {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	if time.Since(d.statusCacheAt) < statusCacheTTL {
		return d.statusCache
	}
	state := "not_installed"
	if d.serviceInstalled(ctx) {
		if d.serviceActive(ctx) {
			state = "running"
		} else {
			state = "stopped"
		}
	}
	d.statusCache = state
	d.statusCacheAt = time.Now()
	return state
}

// Reload validates config, then transitions the service per the state
// machine in spec §4.4. It refuses to touch the service while GenerateCert
// has deliberately stopped HAProxy for port-80 binding, since a concurrent
// reload/start would race certbot for the port.
func (d *Driver) Reload(ctx context.Context, autoStart bool) (string, error) {
	d.certMu.Lock()
	suspended := d.suspendedForCert
	d.certMu.Unlock()
	if suspended {
		return "", errs.New(errs.KindConflict, "haproxy is temporarily stopped for certificate issuance", nil)
	}

	if err := d.validate(ctx); err != nil {
		return "", err
	}
	state := d.Status(ctx)
	switch state {
	case "not_installed":
		return "", errs.New(errs.KindNotFound, "haproxy is not installed", nil)
	case "stopped":
		if !autoStart {
			return "Config saved, HAProxy not running", nil
		}
		res := d.exec.Execute(ctx, "systemctl start haproxy", defaultTimeout, "sh")
		d.invalidateStatusCache()
		if !res.Success {
			return "", errs.New(errs.KindHostCommand, "haproxy start failed", fmt.Errorf("%s", res.Stderr))
		}
		return "HAProxy started", nil
	default: // running
		res := d.exec.Execute(ctx, "systemctl reload haproxy", defaultTimeout, "sh")
		d.invalidateStatusCache()
		if !res.Success {
			return "", errs.New(errs.KindHostCommand, "haproxy reload failed", fmt.Errorf("%s", res.Stderr))
		}
		return "HAProxy reloaded", nil
	}
}

// GenerateCert runs the certbot flow described in spec §4.4: open port 80,
// stop HAProxy if a rule binds it, certbot certonly with a 120s deadline,
// write fullchain+privkey (mode 600) to /etc/haproxy/certs/<domain>.pem,
// ensure the renewal cron, then unconditionally restore HAProxy's prior
// running state. No combined.pem is written inside the certificate
// directory itself.
func (d *Driver) GenerateCert(ctx context.Context, domain string, method string, email string) error {
	wasRunning := d.serviceActive(ctx)
	port80InUse := d.usesPort80(ctx)

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	d.exec.Execute(ctx, "ufw allow 80/tcp", defaultTimeout, "sh")

	if port80InUse && wasRunning {
		d.certMu.Lock()
		d.suspendedForCert = true
		d.certMu.Unlock()
		d.exec.Execute(ctx, "systemctl stop haproxy", defaultTimeout, "sh")
		d.invalidateStatusCache()
		cleanup = append(cleanup, func() {
			d.exec.Execute(context.Background(), "systemctl start haproxy", defaultTimeout, "sh")
			d.invalidateStatusCache()
			d.certMu.Lock()
			d.suspendedForCert = false
			d.certMu.Unlock()
		})
	}

	args := fmt.Sprintf("certbot certonly --%s -d %s --non-interactive --agree-tos", method, domain)
	if email != "" {
		args += " -m " + email
	} else {
		args += " --register-unsafely-without-email"
	}
	res := d.exec.Execute(ctx, args, certTimeout, "sh")
	if !res.Success {
		return errs.New(errs.KindHostCommand, "certbot certonly failed", fmt.Errorf("%s", res.Stderr))
	}

	certDir, err := d.resolveCertDir(ctx, domain)
	if err != nil {
		return err
	}
	combine := fmt.Sprintf("cat %s/fullchain.pem %s/privkey.pem > /etc/haproxy/certs/%s.pem && chmod 600 /etc/haproxy/certs/%s.pem",
		certDir, certDir, domain, domain)
	res = d.exec.Execute(ctx, combine, defaultTimeout, "sh")
	if !res.Success {
		return errs.New(errs.KindHostCommand, "combine cert failed", fmt.Errorf("%s", res.Stderr))
	}

	d.ensureRenewalCron(ctx)

	if wasRunning {
		res = d.exec.Execute(ctx, "systemctl restart haproxy", defaultTimeout, "sh")
		d.invalidateStatusCache()
		d.certMu.Lock()
		d.suspendedForCert = false
		d.certMu.Unlock()
		if !res.Success {
			return errs.New(errs.KindHostCommand, "haproxy restart after cert issuance failed", fmt.Errorf("%s", res.Stderr))
		}
		cleanup = nil // already restarted; skip the deferred restart
	}
	return nil
}

// resolveCertDir handles certbot's `-NNNN` suffix on repeat issuance for
// the same domain.
func (d *Driver) resolveCertDir(ctx context.Context, domain string) (string, error) {
	res := d.exec.Execute(ctx, fmt.Sprintf("ls -d /etc/letsencrypt/live/%s* | sort -V | tail -1", domain), defaultTimeout, "sh")
	dir := strings.TrimSpace(res.Stdout)
	if dir == "" {
		return "", errs.New(errs.KindNotFound, "certificate directory not found after issuance", nil)
	}
	return dir, nil
}

const cronRenewalPath = "/etc/cron.d/certbot-renew"

// ensureRenewalCron writes the renewal schedule to the system cron.d
// directory rather than a user crontab, so it survives independent of
// which account issued the certificate.
func (d *Driver) ensureRenewalCron(ctx context.Context) {
	contents := "0 3 * * * root certbot renew --quiet --post-hook 'systemctl reload haproxy'\n"
	if existing, err := os.ReadFile(cronRenewalPath); err == nil && string(existing) == contents {
		return
	}
	if err := os.WriteFile(cronRenewalPath, []byte(contents), 0o644); err != nil {
		d.exec.Execute(ctx, fmt.Sprintf("echo %q > %s", contents, cronRenewalPath), defaultTimeout, "sh")
	}
}
