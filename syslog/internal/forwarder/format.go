package forwarder

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

const nilValue = "-"

// timestampFormat caps TIME-SECFRAC at six digits.
const timestampFormat = "2006-01-02T15:04:05.999999Z07:00"

// FormatRFC5424 renders ev as an RFC 5424 line without framing. The
// device timestamp is used when the event carried one.
func FormatRFC5424(ev *models.Event) []byte {
	ts := ev.ReceivedAt
	if ev.Timestamp != nil {
		ts = *ev.Timestamp
	}

	var b strings.Builder
	b.Grow(len(ev.Message) + 96)
	b.WriteByte('<')
	b.WriteString(strconv.Itoa(ev.Priority()))
	b.WriteString(">1 ")
	b.WriteString(ts.UTC().Format(timestampFormat))
	b.WriteByte(' ')
	b.WriteString(headerField(ev.Hostname, 255))
	b.WriteByte(' ')
	b.WriteString(headerField(ev.AppName, 48))
	b.WriteByte(' ')
	b.WriteString(headerField(ev.ProcID, 128))
	b.WriteByte(' ')
	b.WriteString(headerField(ev.MsgID, 32))
	b.WriteByte(' ')
	if sd := strings.TrimSpace(ev.StructuredData); strings.HasPrefix(sd, "[") {
		b.WriteString(sd)
	} else {
		b.WriteString(nilValue)
	}
	if ev.Message != "" {
		b.WriteByte(' ')
		b.WriteString(ev.Message)
	}
	return []byte(b.String())
}

// headerField replaces characters RFC 5424 forbids in header fields and
// bounds the length.
func headerField(s string, max int) string {
	if s == "" {
		return nilValue
	}
	out := []byte(s)
	for i, c := range out {
		if c <= ' ' || c >= 0x7f {
			out[i] = '_'
		}
	}
	if len(out) > max {
		out = out[:max]
	}
	return string(out)
}

// lineEscaper keeps an LF-framed record on one line so an embedded newline
// cannot start a second record downstream.
var lineEscaper = strings.NewReplacer("\r", `\r`, "\n", `\n`, "\x00", `\0`)

// Frame delimits a formatted line for a stream transport. Datagrams are
// sent unframed. With LF framing, CR, LF and NUL inside the line are
// escaped.
func Frame(line []byte, protocol models.Transport, framing models.Framing) []byte {
	if protocol == models.TransportUDP {
		return line
	}
	if framing == models.FramingOctet {
		prefix := strconv.Itoa(len(line)) + " "
		out := make([]byte, 0, len(prefix)+len(line))
		out = append(out, prefix...)
		return append(out, line...)
	}
	if bytes.ContainsAny(line, "\r\n\x00") {
		line = []byte(lineEscaper.Replace(string(line)))
	}
	out := make([]byte, 0, len(line)+1)
	out = append(out, line...)
	return append(out, '\n')
}
