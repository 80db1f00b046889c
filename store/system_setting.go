package store

// SystemSetting is a key-value config row owned by the core.
type SystemSetting struct {
	Name  string
	Value string
}

// Well-known system setting names.
const (
	SettingSchemaVersion = "schema_version"
)
