package sso

// Attribute mapping presets for common identity providers. An empty
// mapping field falls back to the protocol default at extraction time, so
// presets only pin the names that differ between vendors.

// PresetName identifies a built-in attribute mapping preset
type PresetName string

const (
	PresetOkta    PresetName = "okta"
	PresetAzureAD PresetName = "azuread"
	PresetGoogle  PresetName = "google"
)

var presets = map[PresetName]AttributeMap{
	PresetOkta: {
		Username: "preferred_username",
		Email:    "email",
		FullName: "name",
		Groups:   "groups",
	},
	PresetAzureAD: {
		Username:   "preferred_username",
		Email:      "email",
		FullName:   "name",
		Groups:     "groups",
		Department: "department",
		JobTitle:   "jobTitle",
	},
	PresetGoogle: {
		Email:    "email",
		FullName: "name",
		// Google does not emit a groups claim on id tokens; group sync
		// requires the Directory API and is out of band.
	},
}

// PresetAttributeMap returns the attribute mapping for a known provider
// preset.
func PresetAttributeMap(name PresetName) (AttributeMap, bool) {
	m, ok := presets[name]
	return m, ok
}

// Presets lists the available preset names.
func Presets() []PresetName {
	return []PresetName{PresetOkta, PresetAzureAD, PresetGoogle}
}
