// Package ipset maintains four hash:net ipset sets — {in,out} x
// {permanent,temp} — and their iptables hooks, persisting the permanent
// lists to disk so a reboot restores state before the firewall comes up
// (spec §4.3).
//
// Grounded on richdz12-traffic-guard's IpsetCommandService (create, add,
// del, test, list, save, restore all shell out through the same
// exec.Command wrapper); generalized from its fixed SCANNERS-BLOCK-V4/V6
// pair to four direction/permanence sets and the sync/rebuild operations
// the spec requires that the teacher source does not have.
package ipset

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nodewatch/fleetctl/internal/node/hostexec"
	"github.com/nodewatch/fleetctl/internal/platform/errs"
)

const (
	SetInPermanent  = "MON-IN-PERM"
	SetInTemp       = "MON-IN-TEMP"
	SetOutPermanent = "MON-OUT-PERM"
	SetOutTemp      = "MON-OUT-TEMP"

	defaultTimeout = 10 * time.Second
	persistPath    = "/var/lib/monitoring/blocklist.json"

	minSetTimeout = 1
	maxSetTimeout = 30 * 86400
)

var ipv4CIDR = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})(?:/(\d{1,2}))?$`)

// Direction selects which pair of sets an operation targets.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

func (d Direction) permSet() string {
	if d == DirectionOut {
		return SetOutPermanent
	}
	return SetInPermanent
}

func (d Direction) tempSet() string {
	if d == DirectionOut {
		return SetOutTemp
	}
	return SetInTemp
}

// persisted is the on-disk shape of the permanent lists, written after
// every mutation so a restart before iptables-restore still has the
// authoritative permanent set.
type persisted struct {
	In  []string `json:"in"`
	Out []string `json:"out"`
}

// Driver operates the four host sets (membership is read live from ipset,
// not cached) and serializes mutation per direction, per spec §4.3
// ("serialize mutations per direction").
type Driver struct {
	exec *hostexec.Executor

	muIn  sync.Mutex
	muOut sync.Mutex

	timeoutSeconds int
	path           string
}

func New(exec *hostexec.Executor) *Driver {
	return &Driver{exec: exec, timeoutSeconds: 3600, path: persistPath}
}

func (d *Driver) dirLock(dir Direction) *sync.Mutex {
	if dir == DirectionOut {
		return &d.muOut
	}
	return &d.muIn
}

// Init creates the four sets (idempotent), wires each to the matching
// INPUT/OUTPUT DROP rule (idempotent, spec §4.3/§3 — without this hook the
// sets are populated but inert), and loads the persisted permanent list
// back in.
func (d *Driver) Init(ctx context.Context) error {
	for _, s := range []string{SetInPermanent, SetOutPermanent} {
		if err := d.ensureSet(ctx, s, 0); err != nil {
			return err
		}
	}
	for _, s := range []string{SetInTemp, SetOutTemp} {
		if err := d.ensureSet(ctx, s, d.timeoutSeconds); err != nil {
			return err
		}
	}
	d.ensureDropRule(ctx, "INPUT", SetInPermanent, "src")
	d.ensureDropRule(ctx, "INPUT", SetInTemp, "src")
	d.ensureDropRule(ctx, "OUTPUT", SetOutPermanent, "dst")
	d.ensureDropRule(ctx, "OUTPUT", SetOutTemp, "dst")
	return d.loadPersisted(ctx)
}

// ensureDropRule inserts `-m set --match-set <set> <side> -j DROP` into
// parent if it isn't already present.
func (d *Driver) ensureDropRule(ctx context.Context, parent, set, side string) {
	check := d.exec.Execute(ctx, fmt.Sprintf("iptables -C %s -m set --match-set %s %s -j DROP", parent, set, side), defaultTimeout, "sh")
	if !check.Success {
		d.exec.Execute(ctx, fmt.Sprintf("iptables -I %s 1 -m set --match-set %s %s -j DROP", parent, set, side), defaultTimeout, "sh")
	}
}

func (d *Driver) ensureSet(ctx context.Context, name string, timeout int) error {
	if d.exists(ctx, name) {
		return nil
	}
	args := fmt.Sprintf("ipset create %s hash:net family inet hashsize 1024 maxelem 65536", name)
	if timeout > 0 {
		args += fmt.Sprintf(" timeout %d", timeout)
	}
	res := d.exec.Execute(ctx, args, defaultTimeout, "sh")
	if !res.Success {
		return errs.New(errs.KindHostCommand, "ipset create failed", fmt.Errorf("%s", res.Stderr))
	}
	return nil
}

func (d *Driver) exists(ctx context.Context, name string) bool {
	res := d.exec.Execute(ctx, "ipset list "+name, defaultTimeout, "sh")
	return res.Success
}

func (d *Driver) loadPersisted(ctx context.Context) error {
	b, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.KindHostCommand, "read persisted blocklist failed", err)
	}
	var p persisted
	if err := json.Unmarshal(b, &p); err != nil {
		return errs.New(errs.KindValidation, "corrupt persisted blocklist", err)
	}
	for _, ip := range p.In {
		_ = d.add(ctx, SetInPermanent, ip)
	}
	for _, ip := range p.Out {
		_ = d.add(ctx, SetOutPermanent, ip)
	}
	return nil
}

// Normalize validates and normalizes an IPv4 address or CIDR. A bare /32
// is dropped per spec §4.3.
func Normalize(ipOrCIDR string) (string, error) {
	m := ipv4CIDR.FindStringSubmatch(ipOrCIDR)
	if m == nil {
		return "", errs.New(errs.KindValidation, "not an IPv4 address or CIDR", nil)
	}
	for i := 1; i <= 4; i++ {
		o, err := strconv.Atoi(m[i])
		if err != nil || o < 0 || o > 255 {
			return "", errs.New(errs.KindValidation, "octet out of range", nil)
		}
	}
	if m[5] == "" {
		return strings.Join(m[1:5], "."), nil
	}
	prefix, err := strconv.Atoi(m[5])
	if err != nil || prefix < 0 || prefix > 32 {
		return "", errs.New(errs.KindValidation, "prefix out of range", nil)
	}
	if prefix == 32 {
		return strings.Join(m[1:5], "."), nil
	}
	return fmt.Sprintf("%s/%d", strings.Join(m[1:5], "."), prefix), nil
}

func (d *Driver) add(ctx context.Context, set, entry string) error {
	res := d.exec.Execute(ctx, fmt.Sprintf("ipset add %s %s -exist", set, entry), defaultTimeout, "sh")
	if !res.Success {
		return errs.New(errs.KindHostCommand, "ipset add failed", fmt.Errorf("%s", res.Stderr))
	}
	return nil
}

func (d *Driver) del(ctx context.Context, set, entry string) error {
	res := d.exec.Execute(ctx, fmt.Sprintf("ipset del %s %s -exist", set, entry), defaultTimeout, "sh")
	if !res.Success {
		return errs.New(errs.KindHostCommand, "ipset del failed", fmt.Errorf("%s", res.Stderr))
	}
	return nil
}

// Add inserts a single entry into the permanent or temp set for dir.
func (d *Driver) Add(ctx context.Context, ipOrCIDR string, permanent bool, dir Direction) error {
	entry, err := Normalize(ipOrCIDR)
	if err != nil {
		return err
	}
	lock := d.dirLock(dir)
	lock.Lock()
	defer lock.Unlock()

	set := d.setFor(dir, permanent)
	if err := d.add(ctx, set, entry); err != nil {
		return err
	}
	if permanent {
		return d.persist(ctx)
	}
	return nil
}

func (d *Driver) setFor(dir Direction, permanent bool) string {
	if permanent {
		return dir.permSet()
	}
	return dir.tempSet()
}

// Remove deletes a single entry.
func (d *Driver) Remove(ctx context.Context, ipOrCIDR string, permanent bool, dir Direction) error {
	entry, err := Normalize(ipOrCIDR)
	if err != nil {
		return err
	}
	lock := d.dirLock(dir)
	lock.Lock()
	defer lock.Unlock()

	set := d.setFor(dir, permanent)
	if err := d.del(ctx, set, entry); err != nil {
		return err
	}
	if permanent {
		return d.persist(ctx)
	}
	return nil
}

// BulkAdd/BulkRemove apply a batch under a single lock acquisition.
func (d *Driver) BulkAdd(ctx context.Context, ips []string, permanent bool, dir Direction) (added int, errs2 []error) {
	lock := d.dirLock(dir)
	lock.Lock()
	defer lock.Unlock()
	set := d.setFor(dir, permanent)
	for _, raw := range ips {
		entry, err := Normalize(raw)
		if err != nil {
			errs2 = append(errs2, err)
			continue
		}
		if err := d.add(ctx, set, entry); err != nil {
			errs2 = append(errs2, err)
			continue
		}
		added++
	}
	if permanent && added > 0 {
		_ = d.persist(ctx)
	}
	return added, errs2
}

func (d *Driver) BulkRemove(ctx context.Context, ips []string, permanent bool, dir Direction) (removed int, errs2 []error) {
	lock := d.dirLock(dir)
	lock.Lock()
	defer lock.Unlock()
	set := d.setFor(dir, permanent)
	for _, raw := range ips {
		entry, err := Normalize(raw)
		if err != nil {
			errs2 = append(errs2, err)
			continue
		}
		if err := d.del(ctx, set, entry); err != nil {
			errs2 = append(errs2, err)
			continue
		}
		removed++
	}
	if permanent && removed > 0 {
		_ = d.persist(ctx)
	}
	return removed, errs2
}

// Sync computes to_add = new - current and to_remove = current - new
// against the live set and applies the diff. This is the operation the
// panel drives on every blocklist refresh (spec §4.3).
func (d *Driver) Sync(ctx context.Context, ips []string, permanent bool, dir Direction) (added, removed int, err error) {
	lock := d.dirLock(dir)
	lock.Lock()
	defer lock.Unlock()

	set := d.setFor(dir, permanent)
	current, err := d.members(ctx, set)
	if err != nil {
		return 0, 0, err
	}

	want := make(map[string]bool, len(ips))
	for _, raw := range ips {
		entry, nerr := Normalize(raw)
		if nerr != nil {
			continue
		}
		want[entry] = true
	}
	have := make(map[string]bool, len(current))
	for _, e := range current {
		have[e] = true
	}

	for e := range want {
		if !have[e] {
			if err := d.add(ctx, set, e); err == nil {
				added++
			}
		}
	}
	for e := range have {
		if !want[e] {
			if err := d.del(ctx, set, e); err == nil {
				removed++
			}
		}
	}

	if permanent && (added > 0 || removed > 0) {
		if perr := d.persist(ctx); perr != nil {
			return added, removed, perr
		}
	}
	return added, removed, nil
}

func (d *Driver) ClearSet(ctx context.Context, permanent bool, dir Direction) error {
	lock := d.dirLock(dir)
	lock.Lock()
	defer lock.Unlock()
	set := d.setFor(dir, permanent)
	res := d.exec.Execute(ctx, "ipset flush "+set, defaultTimeout, "sh")
	if !res.Success {
		return errs.New(errs.KindHostCommand, "ipset flush failed", fmt.Errorf("%s", res.Stderr))
	}
	if permanent {
		return d.persist(ctx)
	}
	return nil
}

// SetTimeout recreates both temp sets with a new TTL. Destructive by
// design — if the rebuild fails midway, the old timeout is restored and
// the iptables rule re-attached (spec §4.3).
func (d *Driver) SetTimeout(ctx context.Context, seconds int) error {
	if seconds < minSetTimeout || seconds > maxSetTimeout {
		return errs.New(errs.KindValidation, "timeout out of range", nil)
	}
	d.muIn.Lock()
	d.muOut.Lock()
	defer d.muIn.Unlock()
	defer d.muOut.Unlock()

	prev := d.timeoutSeconds
	if err := d.rebuildTempSet(ctx, SetInTemp, seconds); err != nil {
		return d.rollbackTimeout(ctx, prev, err)
	}
	if err := d.rebuildTempSet(ctx, SetOutTemp, seconds); err != nil {
		_ = d.rebuildTempSet(ctx, SetInTemp, prev)
		return d.rollbackTimeout(ctx, prev, err)
	}
	d.timeoutSeconds = seconds
	return nil
}

func (d *Driver) rollbackTimeout(ctx context.Context, prev int, cause error) error {
	d.ensureDropRule(ctx, "INPUT", SetInTemp, "src")
	d.ensureDropRule(ctx, "OUTPUT", SetOutTemp, "dst")
	return errs.New(errs.KindConflict, "ipset timeout rebuild failed, rolled back", cause)
}

func (d *Driver) rebuildTempSet(ctx context.Context, name string, seconds int) error {
	tmp := name + "-NEW"
	res := d.exec.Execute(ctx, fmt.Sprintf(
		"ipset create %s hash:net family inet hashsize 1024 maxelem 65536 timeout %d", tmp, seconds),
		defaultTimeout, "sh")
	if !res.Success {
		return fmt.Errorf("%s", res.Stderr)
	}
	res = d.exec.Execute(ctx, fmt.Sprintf("ipset swap %s %s", name, tmp), defaultTimeout, "sh")
	if !res.Success {
		_ = d.exec.Execute(ctx, "ipset destroy "+tmp, defaultTimeout, "sh")
		return fmt.Errorf("%s", res.Stderr)
	}
	d.exec.Execute(ctx, "ipset destroy "+tmp, defaultTimeout, "sh")
	return nil
}

func (d *Driver) members(ctx context.Context, set string) ([]string, error) {
	res := d.exec.Execute(ctx, "ipset list "+set, defaultTimeout, "sh")
	if !res.Success {
		return nil, errs.New(errs.KindHostCommand, "ipset list failed", fmt.Errorf("%s", res.Stderr))
	}
	var out []string
	inMembers := false
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "Members:" {
			inMembers = true
			continue
		}
		if !inMembers || line == "" {
			continue
		}
		field := strings.Fields(line)[0]
		if ip := net.ParseIP(strings.SplitN(field, "/", 2)[0]); ip != nil {
			out = append(out, field)
		}
	}
	return out, nil
}

func (d *Driver) List(ctx context.Context, permanent bool, dir Direction) ([]string, error) {
	d.dirLock(dir).Lock()
	defer d.dirLock(dir).Unlock()
	return d.members(ctx, d.setFor(dir, permanent))
}

func (d *Driver) Status(ctx context.Context) (string, error) {
	res := d.exec.Execute(ctx, "ipset list", defaultTimeout, "sh")
	if !res.Success {
		return "", errs.New(errs.KindHostCommand, "ipset list failed", fmt.Errorf("%s", res.Stderr))
	}
	return res.Stdout, nil
}

func (d *Driver) persist(ctx context.Context) error {
	in, err := d.members(ctx, SetInPermanent)
	if err != nil {
		return err
	}
	out, err := d.members(ctx, SetOutPermanent)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(persisted{In: in, Out: out}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(d.path, b, 0o644)
}
