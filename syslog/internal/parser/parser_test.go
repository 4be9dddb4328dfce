package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestParser() *Parser {
	return New(WithClock(func() time.Time { return fixedNow }))
}

func meta() Meta {
	return Meta{SourceIP: "10.0.0.5", SourcePort: 40000, ListenerPort: 514, Transport: models.TransportUDP}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want models.Format
	}{
		{name: "rfc5424", in: "<34>1 2003-10-11T22:14:15.003Z host app - - - msg", want: models.FormatRFC5424},
		{name: "rfc3164", in: "<34>Oct 11 22:14:15 mymachine su: failed", want: models.FormatRFC3164},
		{name: "rfc3164 padded day", in: "<34>Oct  1 02:14:15 mymachine su: failed", want: models.FormatRFC3164},
		{name: "pri only", in: "<13>hello", want: models.FormatUnknown},
		{name: "no pri", in: "Oct 11 22:14:15 host x", want: models.FormatUnknown},
		{name: "pri out of range", in: "<192>1 2003-10-11T22:14:15Z h a - - - m", want: models.FormatUnknown},
		{name: "unterminated pri", in: "<1234567", want: models.FormatUnknown},
		{name: "empty pri", in: "<>1 x", want: models.FormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detect([]byte(tt.in)))
		})
	}
}

func TestParse_RFC5424(t *testing.T) {
	raw := `<165>1 2003-10-11T22:14:15.003Z mymachine.example.com evntslog - ID47 [exampleSDID@32473 iut="3" eventSource="Application"] An application event log entry`
	ev, err := newTestParser().Parse([]byte(raw+"\n"), meta())
	require.NoError(t, err)

	assert.Equal(t, models.FormatRFC5424, ev.Format)
	require.NotNil(t, ev.Facility)
	require.NotNil(t, ev.Severity)
	assert.Equal(t, 20, *ev.Facility)
	assert.Equal(t, 5, *ev.Severity)
	assert.Equal(t, 1, ev.Version)
	assert.Equal(t, "mymachine.example.com", ev.Hostname)
	assert.Equal(t, "evntslog", ev.AppName)
	assert.Empty(t, ev.ProcID, "nil value is stored empty")
	assert.Equal(t, "ID47", ev.MsgID)
	assert.Contains(t, ev.StructuredData, "exampleSDID@32473")
	assert.Equal(t, "An application event log entry", ev.Message)
	assert.Equal(t, raw, ev.RawMessage, "trailer is trimmed")
	assert.Equal(t, len(raw)+1, ev.SizeBytes)
	require.NotNil(t, ev.Timestamp)
	assert.Equal(t, 2003, ev.Timestamp.Year())
}

func TestParse_RFC3164(t *testing.T) {
	raw := "<38>Oct 11 22:14:15 web01 sshd[4721]: Failed password for invalid user admin from 203.0.113.9 port 52211 ssh2"
	ev, err := newTestParser().Parse([]byte(raw), meta())
	require.NoError(t, err)

	assert.Equal(t, models.FormatRFC3164, ev.Format)
	assert.Equal(t, 4, *ev.Facility)
	assert.Equal(t, 6, *ev.Severity)
	assert.Equal(t, "web01", ev.Hostname)
	assert.Equal(t, "sshd", ev.AppName)
	assert.Contains(t, ev.Message, "Failed password for invalid user admin")
	assert.Equal(t, "linux", models.Deref(ev.DeviceType))
	assert.Equal(t, "authentication", models.Deref(ev.EventType))
}

func TestParse_ReceivedAtIsPipelineClock(t *testing.T) {
	ev, err := newTestParser().Parse([]byte("<13>1 1999-01-01T00:00:00Z h a - - - m"), meta())
	require.NoError(t, err)
	assert.Equal(t, fixedNow, ev.ReceivedAt)
	assert.Equal(t, "10.0.0.5", ev.SourceIP)
	assert.Equal(t, 40000, ev.SourcePort)
	assert.Equal(t, 514, ev.ListenerPort)
	assert.Equal(t, models.TransportUDP, ev.Transport)
}

func TestParse_BestEffort(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		facility *int
		severity *int
		message  string
	}{
		{
			name:     "priority only",
			in:       "<13>just some text",
			facility: models.Int(1),
			severity: models.Int(5),
			message:  "just some text",
		},
		{
			name:    "no priority",
			in:      "plain line from a cheap device",
			message: "plain line from a cheap device",
		},
		{
			name:    "invalid priority kept in message",
			in:      "<999>boom",
			message: "<999>boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := newTestParser().Parse([]byte(tt.in), meta())
			require.NoError(t, err)
			assert.Equal(t, models.FormatUnknown, ev.Format)
			assert.Equal(t, tt.facility, ev.Facility)
			assert.Equal(t, tt.severity, ev.Severity)
			assert.Equal(t, tt.message, ev.Message)
			assert.Equal(t, tt.in, ev.RawMessage)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{name: "empty", in: []byte("")},
		{name: "only trailer", in: []byte("\r\n\x00")},
		{name: "embedded nul", in: []byte("<13>abc\x00def")},
		{name: "binary", in: []byte{0x01, 0x02, 0x03, 0xff, 0xfe, 'a', 0x04, 0x05}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestParser().Parse(tt.in, meta())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse))
			var pe *ParseError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

var truncatedHeaders = []string{
	"<34>Oct 11 22:14:19=",
	"<34>Oct 11 22:14:15 ",
	"<34>Oct 11 22:14:15 host",
	"<34>Oct 11 22:14:15 host ",
	"<34>Oct 11 22:14:15 host app[",
	"<165>1 ",
	"<165>1 2003-10-11T22:14:15.003Z",
	"<165>1 2003-10-11T22:14:15.003Z host",
	"<165>1 2003-10-11T22:14:15.003Z host app 1 ID [",
	"<165>1 2003-10-11T22:14:15.003Z host app 1 ID [x",
	"<165>1 - - - - [a b=\"",
}

func TestParse_TruncatedHeadersFallBack(t *testing.T) {
	for _, in := range truncatedHeaders {
		t.Run(in, func(t *testing.T) {
			var ev *models.Event
			var err error
			require.NotPanics(t, func() { ev, err = newTestParser().Parse([]byte(in), meta()) })
			require.NoError(t, err)
			require.NotNil(t, ev.Severity)
			assert.Equal(t, in, ev.RawMessage)
		})
	}
}

func FuzzParse(f *testing.F) {
	for _, in := range truncatedHeaders {
		f.Add([]byte(in))
	}
	f.Add([]byte("<34>Oct 11 22:14:15 mymachine su: 'su root' failed for lonvick on /dev/pts/8"))
	f.Add([]byte(`<165>1 2003-10-11T22:14:15.003Z mymachine.example.com evntslog - ID47 [exampleSDID@32473 iut="3"] An application event`))
	p := newTestParser()
	f.Fuzz(func(t *testing.T, raw []byte) {
		ev, err := p.Parse(raw, meta())
		if err != nil {
			assert.ErrorIs(t, err, ErrParse)
			return
		}
		assert.NotNil(t, ev)
	})
}

func TestParse_InvalidUTF8Replaced(t *testing.T) {
	ev, err := newTestParser().Parse([]byte("<13>caf\xe9 au lait"), meta())
	require.NoError(t, err)
	assert.Equal(t, "caf\uFFFD au lait", ev.Message)
}

func TestClassify_Devices(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "cisco ios mnemonic",
			in:   "<189>Oct 11 22:14:15 core-sw1 %LINK-3-UPDOWN: Interface GigabitEthernet0/1, changed state to down",
			want: "cisco_ios",
		},
		{
			name: "cisco asa before ios",
			in:   "<166>Oct 11 22:14:15 fw01 %ASA-6-302013: Built outbound TCP connection 1 for outside",
			want: "cisco_asa",
		},
		{
			name: "juniper",
			in:   "<28>1 2024-05-01T10:00:00Z mx01 rpd 1234 RPD_BGP_NEIGHBOR_STATE_CHANGED - BGP peer 10.0.0.1 state changed",
			want: "juniper_junos",
		},
		{
			name: "windows",
			in:   "<13>1 2024-05-01T10:00:00Z dc01 Microsoft-Windows-Security-Auditing - - - An account failed to log on",
			want: "windows",
		},
		{
			name: "fortinet",
			in:   `<189>date=2024-05-01 time=10:00:00 devname="fw" devid="FGT60E0000000000" logid="0000000013" type="traffic" subtype="forward"`,
			want: "fortinet",
		},
		{
			name: "pfsense",
			in:   "<134>1 2024-05-01T10:00:00Z pf filterlog 555 - - 5,,,1000000103,em0,match,block,in,4",
			want: "pfsense",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := newTestParser().Parse([]byte(tt.in), meta())
			require.NoError(t, err)
			require.NotNil(t, ev.DeviceType)
			assert.Equal(t, tt.want, *ev.DeviceType)
		})
	}

	ev, err := newTestParser().Parse([]byte("<13>1 2024-05-01T10:00:00Z box custom - - - hello"), meta())
	require.NoError(t, err)
	assert.Nil(t, ev.DeviceType, "unmatched device is nil, not an error")
	assert.Nil(t, ev.EventType)
}

func TestClassify_EventTypes(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{msg: "authentication failure for user bob", want: "authentication"},
		{msg: "Accepted publickey for deploy from 10.0.0.9", want: "authentication"},
		{msg: "possible port scan detected from 198.51.100.7", want: "security_alert"},
		{msg: "Interface Gi0/1, changed state to up", want: "link_state"},
		{msg: "%SYS-5-CONFIG_I: Configured from console by admin", want: "config_change"},
		{msg: "system is rebooting now", want: "system"},
	}
	p := newTestParser()
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			ev, err := p.Parse([]byte("<13>1 2024-05-01T10:00:00Z host app - - - "+tt.msg), meta())
			require.NoError(t, err)
			require.NotNil(t, ev.EventType, tt.msg)
			assert.Equal(t, tt.want, *ev.EventType)
		})
	}
}

func TestRegistry_Extensible(t *testing.T) {
	p := newTestParser()
	p.Devices().Prepend(Classifier{
		Name:  "acme_router",
		Match: func(v View) bool { return strings.HasPrefix(v.Hostname, "acme-") },
	})
	ev, err := p.Parse([]byte("<13>1 2024-05-01T10:00:00Z acme-01 sshd - - - hi"), meta())
	require.NoError(t, err)
	assert.Equal(t, "acme_router", models.Deref(ev.DeviceType))
	assert.Equal(t, "acme_router", p.Devices().Names()[0])

	sig := Signature{Name: "bad", Patterns: []string{"("}}
	_, err = NewRegistry([]Signature{sig})
	assert.Error(t, err)
}

func TestSplitTag(t *testing.T) {
	app, pid := splitTag("sshd[4721]:")
	assert.Equal(t, "sshd", app)
	assert.Equal(t, "4721", pid)
	app, pid = splitTag("su")
	assert.Equal(t, "su", app)
	assert.Empty(t, pid)
}
