package metadata

import (
	"fmt"
	"strings"

	"github.com/terrpan/garm-provider-pm2/internal/provider"
)

// FieldType says how a field's value is carried in the environment.
type FieldType int

const (
	String FieldType = iota
	List
)

// Field is one row of the decode table.
type Field struct {
	Name      string // semantic name, as sent by the orchestrator
	Key       string // environment key without prefix
	Type      FieldType
	Separator string // List only
}

// Semantic field names the decoder knows about.
const (
	FieldName         = "name"
	FieldOS           = "os"
	FieldArchitecture = "architecture"
	FieldStatus       = "status"
	FieldPoolID       = "pool_id"
	FieldOSName       = "os_name"
	FieldOSVersion    = "os_version"
	FieldLabels       = "labels"
)

// Fields is the fixed decode table.
var Fields = mustValidate([]Field{
	{Name: FieldName, Key: UpperSnake(FieldName)},
	{Name: FieldOS, Key: UpperSnake(FieldOS)},
	{Name: FieldArchitecture, Key: UpperSnake(FieldArchitecture)},
	{Name: FieldStatus, Key: UpperSnake(FieldStatus)},
	{Name: FieldPoolID, Key: UpperSnake(FieldPoolID)},
	{Name: FieldOSName, Key: UpperSnake(FieldOSName)},
	{Name: FieldOSVersion, Key: UpperSnake(FieldOSVersion)},
	{Name: FieldLabels, Key: UpperSnake(FieldLabels), Type: List, Separator: ListSeparator},
})

// Validate checks a field table: names and keys must be non-empty and
// unique, and list fields must carry a separator.
func Validate(fields []Field) error {
	names := make(map[string]bool, len(fields))
	keys := make(map[string]bool, len(fields))
	for i, f := range fields {
		if f.Name == "" || f.Key == "" {
			return fmt.Errorf("field %d: name and key are required", i)
		}
		if names[f.Name] {
			return fmt.Errorf("field %q: duplicate name", f.Name)
		}
		if keys[f.Key] {
			return fmt.Errorf("field %q: duplicate key %q", f.Name, f.Key)
		}
		if f.Type == List && f.Separator == "" {
			return fmt.Errorf("field %q: list field without separator", f.Name)
		}
		names[f.Name] = true
		keys[f.Key] = true
	}
	return nil
}

func mustValidate(fields []Field) []Field {
	if err := Validate(fields); err != nil {
		panic("metadata: invalid field table: " + err.Error())
	}
	return fields
}

// Values is the decoded subset of an environment snapshot.
type Values struct {
	strings map[string]string
	lists   map[string][]string
}

// String returns a decoded string field.
func (v Values) String(name string) string { return v.strings[name] }

// List returns a decoded list field.
func (v Values) List(name string) []string { return v.lists[name] }

// Decode extracts the Fields table from env.  Keys outside the table
// are ignored.
func (c Codec) Decode(env Env) Values {
	out := Values{strings: map[string]string{}, lists: map[string][]string{}}
	for _, f := range Fields {
		raw, ok := env.Get(c.Prefix + f.Key)
		if !ok {
			continue
		}
		switch f.Type {
		case List:
			if raw == "" {
				out.lists[f.Name] = nil
				continue
			}
			out.lists[f.Name] = strings.Split(raw, f.Separator)
		default:
			out.strings[f.Name] = raw
		}
	}
	return out
}

// InstanceDefaults fills fields the environment does not carry.
type InstanceDefaults struct {
	OSName    string
	OSVersion string
}

// DecodeInstance builds the orchestrator Instance from an environment
// snapshot.  The STATUS key holds a supervisor status and is mapped
// through provider.MapStatus.
func (c Codec) DecodeInstance(env Env, defaults InstanceDefaults) provider.Instance {
	v := c.Decode(env)

	osName := v.String(FieldOSName)
	if osName == "" {
		osName = defaults.OSName
	}
	osVersion := v.String(FieldOSVersion)
	if osVersion == "" {
		osVersion = defaults.OSVersion
	}

	return provider.Instance{
		ProviderID: v.String(FieldName),
		Name:       v.String(FieldName),
		OSType:     v.String(FieldOS),
		OSName:     osName,
		OSVersion:  osVersion,
		OSArch:     v.String(FieldArchitecture),
		Status:     provider.MapStatus(v.String(FieldStatus)),
		PoolID:     v.String(FieldPoolID),
	}
}
