package sso

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanAssertion(t *testing.T) {
	tests := []struct {
		name     string
		xml      string
		expected []string
	}{
		{
			name: "clean response",
			xml:  `<samlp:Response><saml:Assertion><saml:NameID>user</saml:NameID></saml:Assertion></samlp:Response>`,
		},
		{
			name:     "doctype declaration",
			xml:      `<!DOCTYPE foo [<!ELEMENT foo ANY>]><samlp:Response/>`,
			expected: []string{"DOCTYPE declaration in SAML response"},
		},
		{
			name: "external entity",
			xml:  `<!DOCTYPE foo [<!ENTITY xxe SYSTEM "file:///etc/passwd">]><samlp:Response>&xxe;</samlp:Response>`,
			expected: []string{
				"DOCTYPE declaration in SAML response",
				"ENTITY declaration in SAML response",
			},
		},
		{
			name:     "cdata section",
			xml:      `<samlp:Response><![CDATA[<script>]]></samlp:Response>`,
			expected: []string{"CDATA section in SAML response"},
		},
		{
			name:     "comment inside NameID",
			xml:      `<samlp:Response><saml:NameID>admin@corp<!--x-->.evil.com</saml:NameID></samlp:Response>`,
			expected: []string{"XML comment inside NameID element"},
		},
		{
			name:     "comment elsewhere",
			xml:      `<samlp:Response><!-- generated --><saml:Assertion/></samlp:Response>`,
			expected: []string{"XML comment in SAML response"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ScanAssertion([]byte(tt.xml)))
		})
	}
}

func TestScanAttributeValues(t *testing.T) {
	tests := []struct {
		name     string
		attrs    map[string]string
		expected []string
	}{
		{
			name:  "clean attributes",
			attrs: map[string]string{"email": "user@example.com", "name": "Jo O'Neil"},
		},
		{
			name:     "script tag",
			attrs:    map[string]string{"name": "<script>alert(1)</script>"},
			expected: []string{`script tag in attribute "name"`},
		},
		{
			name:     "event handler",
			attrs:    map[string]string{"title": `x" onerror=alert(1)`},
			expected: []string{`event handler in attribute "title"`},
		},
		{
			name:     "javascript uri",
			attrs:    map[string]string{"homepage": "javascript:alert(1)"},
			expected: []string{`script URI scheme in attribute "homepage"`},
		},
		{
			name: "multiple findings are sorted",
			attrs: map[string]string{
				"a": "<script>x</script>",
				"b": "javascript:void(0)",
			},
			expected: []string{
				`script URI scheme in attribute "b"`,
				`script tag in attribute "a"`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ScanAttributeValues(tt.attrs))
		})
	}
}
