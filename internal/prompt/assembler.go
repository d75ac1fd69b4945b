// Package prompt assembles the system context of a model call from the
// admin-editable template, reference documents, entitlement status, payment
// link, date and activity summary. Assembly is pure: every lookup happens
// before Assemble is called.
package prompt

import (
	"strings"
	"time"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/util"
)

// Template tokens.
const (
	PaymentLinkToken = "[LINK_PAGAMENTO]"
	StatusToken      = "{STATUS}"
)

// Status strings substituted for StatusToken.
const (
	StatusPremium  = "PREMIUM"
	StatusFreemium = "FREEMIUM"
)

// StatusFor maps entitlement to its status string.
func StatusFor(entitled bool) string {
	if entitled {
		return StatusPremium
	}
	return StatusFreemium
}

var weekdays = [...]string{
	time.Sunday:    "domingo",
	time.Monday:    "segunda-feira",
	time.Tuesday:   "terça-feira",
	time.Wednesday: "quarta-feira",
	time.Thursday:  "quinta-feira",
	time.Friday:    "sexta-feira",
	time.Saturday:  "sábado",
}

// Input is everything Assemble needs.
type Input struct {
	Template        string
	Documents       map[string]string // resolved reference documents by token name
	Status          string
	PaymentLink     string
	Now             time.Time
	ActivitySummary string
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

// bracketToken returns the name of a [name] token starting at s[0], or "".
func bracketToken(s string) string {
	if len(s) < 3 || s[0] != '[' {
		return ""
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c == ']' {
			if i == 1 {
				return ""
			}
			return s[1:i]
		}
		if !isNameByte(c) {
			return ""
		}
	}
	return ""
}

// ReferencedDocuments lists the distinct [name] tokens of template in order
// of appearance, excluding the payment link token.
func ReferencedDocuments(template string) []string {
	var names []string
	seen := map[string]bool{}
	for i := 0; i < len(template); i++ {
		if template[i] != '[' {
			continue
		}
		name := bracketToken(template[i:])
		if name == "" {
			continue
		}
		i += len(name) + 1
		if "["+name+"]" == PaymentLinkToken || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

func documentBlock(name, content string) string {
	return "\n\n=== CONTENT OF '" + name + "' ===\n" + util.TruncateRunes(content, models.MaxDocumentChars) + "\n=== END ===\n"
}

// Expand substitutes the template tokens in a single left-to-right pass.
// Substituted text is never scanned again, and unresolved [name] tokens are kept verbatim.
func Expand(in Input) string {
	t := in.Template
	var b strings.Builder
	b.Grow(len(t))
	for i := 0; i < len(t); {
		switch {
		case strings.HasPrefix(t[i:], StatusToken):
			b.WriteString(in.Status)
			i += len(StatusToken)
		case strings.HasPrefix(t[i:], PaymentLinkToken):
			b.WriteString(in.PaymentLink)
			i += len(PaymentLinkToken)
		case t[i] == '[':
			name := bracketToken(t[i:])
			if content := in.Documents[name]; name != "" && content != "" {
				b.WriteString(documentBlock(name, content))
				i += len(name) + 2
				continue
			}
			b.WriteByte('[')
			i++
		default:
			b.WriteByte(t[i])
			i++
		}
	}
	return b.String()
}

// Trailer renders the date, status and payment link block.
func Trailer(status, link string, now time.Time) string {
	return "\n\nDATA ATUAL: " + weekdays[now.Weekday()] + ", " + now.Format("02/01/2006") +
		"\nSTATUS DO USUARIO: " + status +
		"\nLINK DE PAGAMENTO: " + link
}

// Assemble returns the full system context.
func Assemble(in Input) string {
	out := Expand(in) + Trailer(in.Status, in.PaymentLink, in.Now)
	if summary := strings.TrimSpace(in.ActivitySummary); summary != "" {
		out += "\n\n" + summary
	}
	return out
}

// SanitizeDocumentName reduces name to the token alphabet, lower-cased.
// An empty result becomes "arquivo".
func SanitizeDocumentName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		if isNameByte(name[i]) {
			b.WriteByte(name[i])
		}
	}
	if b.Len() == 0 {
		return "arquivo"
	}
	return strings.ToLower(b.String())
}
