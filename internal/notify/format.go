package notify

import (
	"fmt"
	"html"
	"strings"
	"unicode"
)

const dateLayout = "02.01.2006"

// OperatorMessage is the operator's summary of an event. It never contains
// key material.
func OperatorMessage(ev Event) string {
	var b strings.Builder
	switch ev.Kind {
	case KindRenewal:
		b.WriteString("🔄 <b>Subscription renewed</b>\n\n")
	case KindReplace:
		b.WriteString("🔁 <b>Key replaced</b>\n\n")
	default:
		b.WriteString("🛒 <b>New purchase</b>\n\n")
	}
	fmt.Fprintf(&b, "👤 User: %s (<code>%d</code>)\n", html.EscapeString(displayName(ev)), ev.SubjectID)
	fmt.Fprintf(&b, "📦 Tariff: %s\n", html.EscapeString(ev.TariffName))
	fmt.Fprintf(&b, "🌍 Server: %s\n", serverLine(ev))
	if ev.Kind != KindReplace {
		fmt.Fprintf(&b, "💰 Amount: %s\n", ev.Amount.StringFixed(2))
		fmt.Fprintf(&b, "💳 Method: %s\n", methodLabel(ev.Method))
	}
	fmt.Fprintf(&b, "📅 Valid until: %s\n", ev.EndDate.Format(dateLayout))
	if ev.PaymentID != "" {
		fmt.Fprintf(&b, "🧾 Payment: <code>%s</code>\n", html.EscapeString(ev.PaymentID))
	}
	return b.String()
}

// UserMessage is sent to the account owner and includes the connection key.
func UserMessage(ev Event) string {
	var b strings.Builder
	switch ev.Kind {
	case KindRenewal:
		b.WriteString("✅ <b>Your subscription has been renewed</b>\n\n")
	case KindReplace:
		b.WriteString("✅ <b>Your key has been moved to a new server</b>\n\n")
	case KindExpiring:
		b.WriteString("⏰ <b>Your subscription ends soon</b>\n\n")
	default:
		b.WriteString("✅ <b>Your subscription is active</b>\n\n")
	}
	fmt.Fprintf(&b, "📦 Tariff: %s\n", html.EscapeString(ev.TariffName))
	fmt.Fprintf(&b, "🌍 Server: %s\n", serverLine(ev))
	fmt.Fprintf(&b, "📅 Valid until: %s (%d days left)\n", ev.EndDate.Format(dateLayout), ev.DaysLeft)
	if ev.KeyMaterial != "" {
		fmt.Fprintf(&b, "\n🔑 Your key:\n<code>%s</code>\n", html.EscapeString(ev.KeyMaterial))
	}
	return b.String()
}

func displayName(ev Event) string {
	if ev.DisplayName != "" {
		return ev.DisplayName
	}
	return fmt.Sprintf("id%d", ev.SubjectID)
}

func serverLine(ev Event) string {
	name := html.EscapeString(ev.ServerName)
	if flag := countryFlag(ev.ServerLocation); flag != "" {
		return flag + " " + name
	}
	return name
}

func methodLabel(m Method) string {
	if m == MethodGateway {
		return "card"
	}
	return "balance"
}

// countryFlag turns a two-letter country code into its flag emoji.
func countryFlag(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 {
		return ""
	}
	var flag []rune
	for _, r := range code {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return ""
		}
		flag = append(flag, 0x1F1E6+(r-'A'))
	}
	return string(flag)
}
