package sso

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Suspicious XML constructs that have no business inside a SAML response.
// Matches are reported for audit but do not fail validation on their own:
// signature verification is the authoritative defense, and entity
// expansion is already disabled by the XML parser.
var (
	doctypePattern = regexp.MustCompile(`(?i)<!DOCTYPE`)
	entityPattern  = regexp.MustCompile(`(?i)<!ENTITY`)
	commentPattern = regexp.MustCompile(`<!--`)
	cdataPattern   = regexp.MustCompile(`<!\[CDATA\[`)
)

// ScanAssertion inspects raw SAML response XML for injection constructs
// and returns a description of each finding.
func ScanAssertion(raw []byte) []string {
	doc := string(raw)
	var findings []string

	if doctypePattern.MatchString(doc) {
		findings = append(findings, "DOCTYPE declaration in SAML response")
	}
	if entityPattern.MatchString(doc) {
		findings = append(findings, "ENTITY declaration in SAML response")
	}
	if cdataPattern.MatchString(doc) {
		findings = append(findings, "CDATA section in SAML response")
	}

	// A comment splitting a NameID is the classic assertion-wrapping
	// trick: some parsers return only the text before the comment.
	if commentPattern.MatchString(doc) && strings.Contains(doc, "NameID") {
		if nameIDCommentPattern.MatchString(doc) {
			findings = append(findings, "XML comment inside NameID element")
		} else {
			findings = append(findings, "XML comment in SAML response")
		}
	} else if commentPattern.MatchString(doc) {
		findings = append(findings, "XML comment in SAML response")
	}

	return findings
}

var nameIDCommentPattern = regexp.MustCompile(`(?s)<(?:\w+:)?NameID[^>]*>[^<]*<!--`)

// Markers for script injection in attribute and claim values.
var (
	scriptTagPattern    = regexp.MustCompile(`(?i)<\s*script`)
	eventHandlerPattern = regexp.MustCompile(`(?i)\bon\w+\s*=`)
	scriptURIPattern    = regexp.MustCompile(`(?i)(javascript|vbscript|data)\s*:`)
)

// ScanAttributeValues inspects identity attribute values for script
// injection markers and returns a description of each finding. Findings
// are logged for audit; they do not fail validation.
func ScanAttributeValues(attributes map[string]string) []string {
	var findings []string
	for name, value := range attributes {
		switch {
		case scriptTagPattern.MatchString(value):
			findings = append(findings, fmt.Sprintf("script tag in attribute %q", name))
		case eventHandlerPattern.MatchString(value):
			findings = append(findings, fmt.Sprintf("event handler in attribute %q", name))
		case scriptURIPattern.MatchString(value):
			findings = append(findings, fmt.Sprintf("script URI scheme in attribute %q", name))
		}
	}
	sort.Strings(findings)
	return findings
}
