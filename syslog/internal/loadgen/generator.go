// Package loadgen produces synthetic syslog traffic for local testing.
package loadgen

import (
	"fmt"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

type Format string

const (
	FormatRFC3164 Format = "rfc3164"
	FormatRFC5424 Format = "rfc5424"
	FormatMixed   Format = "mixed"
)

var apps = []string{"sshd", "sudo", "kernel", "named", "nginx", "cron", "postfix", "asa"}

var templates = []func(f *gofakeit.Faker) string{
	func(f *gofakeit.Faker) string {
		return fmt.Sprintf("Failed password for %s from %s port %d ssh2", f.Username(), f.IPv4Address(), f.Number(1024, 65535))
	},
	func(f *gofakeit.Faker) string {
		return fmt.Sprintf("Accepted publickey for %s from %s port %d ssh2", f.Username(), f.IPv4Address(), f.Number(1024, 65535))
	},
	func(f *gofakeit.Faker) string {
		return fmt.Sprintf("%%ASA-6-302013: Built outbound TCP connection %d for outside:%s/443 to inside:%s/%d",
			f.Number(1, 999999), f.IPv4Address(), f.IPv4Address(), f.Number(1024, 65535))
	},
	func(f *gofakeit.Faker) string {
		return fmt.Sprintf("%s : TTY=pts/%d ; PWD=/home/%s ; USER=root ; COMMAND=/bin/systemctl restart %s",
			f.Username(), f.Number(0, 9), f.Username(), f.RandomString([]string{"nginx", "named", "postfix"}))
	},
	func(f *gofakeit.Faker) string {
		return fmt.Sprintf("client %s#%d: query: %s IN A +", f.IPv4Address(), f.Number(1024, 65535), f.DomainName())
	},
	func(f *gofakeit.Faker) string {
		return fmt.Sprintf("login attempt user=%s password=%s", f.Username(), f.Password(true, true, true, false, false, 12))
	},
	func(f *gofakeit.Faker) string {
		return f.HackerPhrase()
	},
}

// Generator builds random syslog lines. It is not safe for concurrent use.
type Generator struct {
	faker  *gofakeit.Faker
	format Format
	hosts  []string
	n      int
}

// NewGenerator returns a Generator. A zero seed picks a random one.
func NewGenerator(format Format, seed int64) *Generator {
	if format == "" {
		format = FormatMixed
	}
	f := gofakeit.New(seed)
	hosts := make([]string, 8)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("%s-%02d", f.RandomString([]string{"fw", "core-sw", "web", "db", "vpn"}), i)
	}
	return &Generator{faker: f, format: format, hosts: hosts}
}

// Message returns one line without framing.
func (g *Generator) Message(now time.Time) []byte {
	g.n++
	f := g.faker
	pri := f.Number(0, 23)*8 + f.Number(0, 7)
	host := g.hosts[f.Number(0, len(g.hosts)-1)]
	app := apps[f.Number(0, len(apps)-1)]
	pid := strconv.Itoa(f.Number(100, 32000))
	body := templates[f.Number(0, len(templates)-1)](f)

	format := g.format
	if format == FormatMixed {
		format = FormatRFC3164
		if g.n%2 == 0 {
			format = FormatRFC5424
		}
	}
	if format == FormatRFC5424 {
		return fmt.Appendf(nil, "<%d>1 %s %s %s %s - - %s",
			pri, now.UTC().Format("2006-01-02T15:04:05.000000Z07:00"), host, app, pid, body)
	}
	return fmt.Appendf(nil, "<%d>%s %s %s[%s]: %s", pri, now.Format(time.Stamp), host, app, pid, body)
}
