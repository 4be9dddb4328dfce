package parser

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// View is the normalized, lower-cased form of an event that classifiers see.
// Text is the message prefixed by the app name so vendor mnemonics that a
// legacy header parser reads as the tag (%LINK-3-UPDOWN) are still visible to
// patterns.
type View struct {
	AppName  string
	Hostname string
	Message  string
	Text     string
}

// NewView lower-cases the classification inputs.
func NewView(appName, hostname, message string) View {
	v := View{
		AppName:  strings.ToLower(appName),
		Hostname: strings.ToLower(hostname),
		Message:  strings.ToLower(message),
	}
	v.Text = v.Message
	if v.AppName != "" {
		v.Text = v.AppName + " " + v.Message
	}
	return v
}

// Classifier is a pure function naming the category a view belongs to.
type Classifier struct {
	Name  string
	Match func(View) bool
}

// Signature describes a category as data: exact app-name tokens and regular
// expressions over View.Text. Either matching is a hit.
type Signature struct {
	Name     string   `yaml:"name"`
	AppNames []string `yaml:"app_names"`
	Patterns []string `yaml:"patterns"`
}

// Compile turns a signature into a Classifier.
func (s Signature) Compile() (Classifier, error) {
	apps := make(map[string]struct{}, len(s.AppNames))
	for _, a := range s.AppNames {
		apps[strings.ToLower(a)] = struct{}{}
	}
	res := make([]*regexp.Regexp, 0, len(s.Patterns))
	for _, p := range s.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return Classifier{}, fmt.Errorf("signature %s: invalid pattern %q: %w", s.Name, p, err)
		}
		res = append(res, re)
	}
	return Classifier{
		Name: s.Name,
		Match: func(v View) bool {
			if _, ok := apps[v.AppName]; ok && v.AppName != "" {
				return true
			}
			for _, re := range res {
				if re.MatchString(v.Text) {
					return true
				}
			}
			return false
		},
	}, nil
}

// Registry is an ordered list of classifiers; the first match wins.
type Registry struct {
	mu          sync.RWMutex
	classifiers []Classifier
}

// NewRegistry compiles signatures in order.
func NewRegistry(sigs []Signature) (*Registry, error) {
	r := &Registry{}
	for _, s := range sigs {
		c, err := s.Compile()
		if err != nil {
			return nil, err
		}
		r.classifiers = append(r.classifiers, c)
	}
	return r, nil
}

// MustRegistry is NewRegistry for built-in tables.
func MustRegistry(sigs []Signature) *Registry {
	r, err := NewRegistry(sigs)
	if err != nil {
		panic(err)
	}
	return r
}

// Register appends a classifier, consulted after the existing ones.
func (r *Registry) Register(c Classifier) {
	r.mu.Lock()
	r.classifiers = append(r.classifiers, c)
	r.mu.Unlock()
}

// Prepend adds a classifier consulted before the existing ones.
func (r *Registry) Prepend(c Classifier) {
	r.mu.Lock()
	r.classifiers = append([]Classifier{c}, r.classifiers...)
	r.mu.Unlock()
}

// Classify returns the first matching name, or nil.
func (r *Registry) Classify(v View) *string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.classifiers {
		if c.Match(v) {
			name := c.Name
			return &name
		}
	}
	return nil
}

// Names lists the registered categories in evaluation order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.classifiers))
	for i, c := range r.classifiers {
		out[i] = c.Name
	}
	return out
}

// DeviceSignatures is the built-in vendor table. Order matters: ASA and
// Arista messages also look like IOS mnemonics.
var DeviceSignatures = []Signature{
	{
		Name:     "cisco_asa",
		Patterns: []string{`%asa-\d-\d{6}`, `%ftd-\d-\d{6}`},
	},
	{
		Name:     "arista_eos",
		AppNames: []string{"ebra", "configagent", "sysdb", "lldp", "fru", "rib", "bgp"},
	},
	{
		Name:     "juniper_junos",
		AppNames: []string{"rpd", "mgd", "chassisd", "dcd", "mib2d", "jddosd", "eventd"},
		Patterns: []string{`\b(rpd|mgd|chassisd|snmpd|ui)_[a-z_]+`, `\bjunos\b`},
	},
	{
		Name:     "cisco_ios",
		Patterns: []string{`%[a-z0-9_]+-[0-7]-[a-z0-9_]+\b`},
	},
	{
		Name:     "paloalto",
		Patterns: []string{`\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2},[0-9a-z]+,(traffic|threat|system|config|globalprotect),`},
	},
	{
		Name:     "fortinet",
		Patterns: []string{`\bdevid="?fg[a-z0-9]+`, `\blogid="?\d{10}"?.*\btype="?(traffic|event|utm)`},
	},
	{
		Name:     "pfsense",
		AppNames: []string{"filterlog", "pfsense", "php-fpm"},
	},
	{
		Name:     "windows",
		AppNames: []string{"microsoft-windows-security-auditing", "mswineventlog", "eventlog", "nxlog"},
		Patterns: []string{`microsoft-windows-`, `\beventid[=:]\s*\d+`},
	},
	{
		Name:     "linux",
		AppNames: []string{"sshd", "systemd", "systemd-logind", "kernel", "cron", "crond", "sudo", "su", "rsyslogd", "dhclient", "networkmanager", "auditd", "login", "polkitd"},
	},
}

// EventSignatures is the built-in event category table.
var EventSignatures = []Signature{
	{
		Name: "authentication",
		Patterns: []string{
			`authentication (failure|failed|succeeded|success)`,
			`(failed|accepted) (password|publickey|keyboard-interactive)`,
			`invalid user`,
			`login (failed|failure|success|succeeded)`,
			`%sec_login-\d-`,
			`pam_unix\(.*\): (authentication|session)`,
			`\blogon\b`,
		},
	},
	{
		Name: "security_alert",
		Patterns: []string{
			`\b(attack|intrusion|malware|virus|exploit|threat|botnet|ransomware)\b`,
			`port ?scan`,
			`%asa-\d-(106|733)\d{3}`,
			`\b(ids|ips) alert\b`,
			`\bdeny (tcp|udp|icmp)\b`,
		},
	},
	{
		Name: "link_state",
		Patterns: []string{
			`%(link|lineproto)-\d-updown`,
			`\blink (is )?(up|down)\b`,
			`changed state to (up|down|administratively down)`,
			`\bcarrier (lost|detected)\b`,
			`snmp_trap_link_(up|down)`,
		},
	},
	{
		Name: "config_change",
		Patterns: []string{
			`%sys-\d-config_i`,
			`configured from`,
			`\bui_commit\b`,
			`commit complete`,
			`configuration (changed|saved|modified)`,
		},
	},
	{
		Name: "system",
		Patterns: []string{
			`\b(reboot|restart|reload|shutdown)(ing|ed)?\b`,
			`\b(temperature|fan|power supply)\b`,
			`out of memory`,
			`kernel panic`,
			`%sys-\d-restart`,
		},
	},
}
