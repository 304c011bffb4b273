package mailtext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLToText(t *testing.T) {
	html := `<html><head><style>p{color:red}</style></head><body>
<p>Transaction   Alert</p><div>Amount: <b>$45.99</b></div>
<script>track()</script><table><tr><td>Merchant</td><td>Amazon</td></tr></table>
</body></html>`

	got := HTMLToText(html)
	assert.Contains(t, got, "Transaction Alert")
	assert.Contains(t, got, "Amount: $45.99")
	assert.Contains(t, got, "Amazon")
	assert.NotContains(t, got, "track()")
	assert.NotContains(t, got, "color:red")
}

func TestClean(t *testing.T) {
	assert.Equal(t, "a b\n\nc", Clean("  a \t b \r\n\n\n\n c  "))
}

func TestDecodeHeader(t *testing.T) {
	assert.Equal(t, "¡Hola, señor!", DecodeHeader("=?ISO-8859-1?Q?=A1Hola,_se=F1or!?="))
	assert.Equal(t, "plain subject", DecodeHeader("plain subject"))
}

func TestAddress(t *testing.T) {
	tests := map[string]string{
		`"Bank Alerts" <Alerts@Bank.example>`: "alerts@bank.example",
		"billing@utility.example":             "billing@utility.example",
		"undisclosed-recipients":              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Address(in), in)
	}
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "one two", Snippet("one\n  two", 20))
	assert.Equal(t, "héllo", Snippet("héllo world", 5))
}
