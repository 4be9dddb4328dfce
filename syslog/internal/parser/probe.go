package parser

import (
	"bytes"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

var months = [][]byte{
	[]byte("Jan"), []byte("Feb"), []byte("Mar"), []byte("Apr"), []byte("May"), []byte("Jun"),
	[]byte("Jul"), []byte("Aug"), []byte("Sep"), []byte("Oct"), []byte("Nov"), []byte("Dec"),
}

// priority reads a leading <PRI> token. n is the number of bytes consumed.
// ok is false if there is no well-formed token with a value in 0-191.
func priority(data []byte) (pri, n int, ok bool) {
	if len(data) < 3 || data[0] != '<' {
		return 0, 0, false
	}
	for i := 1; i < len(data) && i <= 4; i++ {
		c := data[i]
		if c == '>' {
			if i == 1 {
				return 0, 0, false
			}
			if _, _, valid := models.DecodePriority(pri); !valid {
				return 0, 0, false
			}
			return pri, i + 1, true
		}
		if c < '0' || c > '9' {
			return 0, 0, false
		}
		pri = pri*10 + int(c-'0')
	}
	return 0, 0, false
}

// detect probes the header structure after the priority token.
//
//	rfc5424: <PRI>VERSION SP TIMESTAMP SP HOSTNAME SP APP-NAME ...
//	rfc3164: <PRI>Mmm dd hh:mm:ss HOSTNAME MSG
func detect(data []byte) models.Format {
	_, n, ok := priority(data)
	if !ok {
		return models.FormatUnknown
	}
	rest := data[n:]

	if len(rest) >= 2 && rest[0] >= '1' && rest[0] <= '9' {
		i := 1
		for i < len(rest) && i < 3 && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i < len(rest) && rest[i] == ' ' {
			return models.FormatRFC5424
		}
	}

	if legacyTimestamp(rest) {
		return models.FormatRFC3164
	}
	return models.FormatUnknown
}

// legacyTimestamp matches "Mmm dd hh:mm:ss" with a space- or zero-padded day.
func legacyTimestamp(b []byte) bool {
	if len(b) < 15 {
		return false
	}
	known := false
	for _, m := range months {
		if bytes.Equal(b[:3], m) {
			known = true
			break
		}
	}
	if !known || b[3] != ' ' {
		return false
	}
	day := b[4:6]
	if !(isDigit(day[0]) || day[0] == ' ') || !isDigit(day[1]) {
		return false
	}
	clock := b[7:15]
	return b[6] == ' ' &&
		isDigit(clock[0]) && isDigit(clock[1]) && clock[2] == ':' &&
		isDigit(clock[3]) && isDigit(clock[4]) && clock[5] == ':' &&
		isDigit(clock[6]) && isDigit(clock[7])
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
