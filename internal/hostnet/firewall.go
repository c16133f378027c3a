package hostnet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Rule is one firewall rule inserted at the head of table/chain.
type Rule struct {
	Table string
	Chain string
	Spec  []string
}

func (r Rule) String() string {
	return strings.Join(r.Spec, " ")
}

func (r Rule) equal(o Rule) bool {
	return r.Table == o.Table && r.Chain == o.Chain && slices.Equal(r.Spec, o.Spec)
}

func inputRule(bridge, proto string, port int) Rule {
	return Rule{Table: "filter", Chain: "INPUT", Spec: []string{
		"--in-interface", bridge,
		"--protocol", proto,
		"--destination-port", fmt.Sprint(port),
		"--jump", "ACCEPT",
	}}
}

func rejectOutRule(bridge string) Rule {
	return Rule{Table: "filter", Chain: "FORWARD", Spec: []string{
		"--in-interface", bridge,
		"--jump", "REJECT",
	}}
}

func rejectInRule(bridge string) Rule {
	return Rule{Table: "filter", Chain: "FORWARD", Spec: []string{
		"--out-interface", bridge,
		"--jump", "REJECT",
	}}
}

func allowCrossRule(bridge string) Rule {
	return Rule{Table: "filter", Chain: "FORWARD", Spec: []string{
		"--in-interface", bridge,
		"--out-interface", bridge,
		"--jump", "ACCEPT",
	}}
}

func allowOutRule(network, bridge, physdev string) Rule {
	spec := []string{"--source", network, "--in-interface", bridge}
	if physdev != "" {
		spec = append(spec, "--out-interface", physdev)
	}
	return Rule{Table: "filter", Chain: "FORWARD", Spec: append(spec, "--jump", "ACCEPT")}
}

func allowInRule(network, bridge, physdev string) Rule {
	spec := []string{"--destination", network}
	if physdev != "" {
		spec = append(spec, "--in-interface", physdev)
	}
	spec = append(spec,
		"--out-interface", bridge,
		"--match", "state",
		"--state", "ESTABLISHED,RELATED",
		"--jump", "ACCEPT",
	)
	return Rule{Table: "filter", Chain: "FORWARD", Spec: spec}
}

func masqueradeRule(network, physdev string) Rule {
	spec := []string{"--source", network}
	if physdev != "" {
		spec = append(spec, "--out-interface", physdev)
	}
	return Rule{Table: "nat", Chain: "POSTROUTING", Spec: append(spec, "--jump", "MASQUERADE")}
}

// networkRules lists the rules of a network in installation order.
func networkRules(bridge, network string, forward bool, physdev string) []Rule {
	rules := []Rule{
		inputRule(bridge, "tcp", 67),
		inputRule(bridge, "udp", 67),
		inputRule(bridge, "tcp", 53),
		inputRule(bridge, "udp", 53),
		rejectOutRule(bridge),
		rejectInRule(bridge),
		allowCrossRule(bridge),
	}
	if forward {
		rules = append(rules,
			allowOutRule(network, bridge, physdev),
			allowInRule(network, bridge, physdev),
			masqueradeRule(network, physdev),
		)
	}
	return rules
}

// ruleSet tracks every installed rule and mirrors it to
// <dir>/iptables/<table>/<chain> so the rules can be restored after the
// host firewall is restarted.
type ruleSet struct {
	dir   string
	rules []Rule
}

func newRuleSet(stateDir string) *ruleSet {
	dir := ""
	if stateDir != "" {
		dir = filepath.Join(stateDir, "iptables")
	}
	return &ruleSet{dir: dir}
}

func (s *ruleSet) add(fw Firewall, r Rule) error {
	if err := fw.Insert(r.Table, r.Chain, 1, r.Spec...); err != nil {
		return err
	}
	s.rules = append(s.rules, r)
	return nil
}

func (s *ruleSet) remove(fw Firewall, r Rule) error {
	idx := slices.IndexFunc(s.rules, r.equal)
	if idx >= 0 {
		s.rules = slices.Delete(s.rules, idx, idx+1)
	}
	return fw.Delete(r.Table, r.Chain, r.Spec...)
}

// reload deletes and re-inserts every tracked rule.
func (s *ruleSet) reload(fw Firewall) error {
	var errs []error
	for _, r := range s.rules {
		if err := fw.Delete(r.Table, r.Chain, r.Spec...); err != nil {
			errs = append(errs, fmt.Errorf("remove rule '%s' from %s/%s: %w", r, r.Table, r.Chain, err))
		}
	}
	for _, r := range s.rules {
		if err := fw.Insert(r.Table, r.Chain, 1, r.Spec...); err != nil {
			errs = append(errs, fmt.Errorf("add rule '%s' to %s/%s: %w", r, r.Table, r.Chain, err))
		}
	}
	return errors.Join(errs...)
}

// save writes one file per table/chain. Chains without rules lose their file.
func (s *ruleSet) save() error {
	if s.dir == "" {
		return nil
	}
	chains := map[[2]string][]string{
		{"filter", "INPUT"}:    nil,
		{"filter", "FORWARD"}:  nil,
		{"nat", "POSTROUTING"}: nil,
	}
	for _, r := range s.rules {
		key := [2]string{r.Table, r.Chain}
		chains[key] = append(chains[key], r.String())
	}
	var errs []error
	for key, lines := range chains {
		path := filepath.Join(s.dir, key[0], key[1])
		if len(lines) == 0 {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if err := writeFileAtomic(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("make %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
