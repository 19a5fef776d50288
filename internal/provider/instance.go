// Package provider defines the data exchanged with the GARM
// orchestrator: instances, runner tools, bootstrap requests, the
// supervisor-to-instance status mapping and the error kinds every
// command reports.
package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
)

// Instance is the orchestrator-visible representation of one runner.
// It is never stored; it is derived from supervisor process state.
type Instance struct {
	ProviderID    string         `json:"provider_id"`
	Name          string         `json:"name"`
	OSType        string         `json:"os_type"`
	OSName        string         `json:"os_name"`
	OSVersion     string         `json:"os_version"`
	OSArch        string         `json:"os_arch"`
	Status        InstanceStatus `json:"status"`
	PoolID        string         `json:"pool_id"`
	ProviderFault string         `json:"provider_fault"`
}

// Tool describes one platform-specific build of the runner agent.
// Every field of the original JSON object is retained in Fields so it
// can be handed to the bootstrap scripts unchanged.
type Tool struct {
	OS                string `json:"os"`
	Architecture      string `json:"architecture"`
	DownloadURL       string `json:"download_url"`
	Filename          string `json:"filename"`
	SHA256Checksum    string `json:"sha256_checksum"`
	TempDownloadToken string `json:"temp_download_token"`

	Fields map[string]any `json:"-"`
}

// UnmarshalJSON decodes the typed fields and keeps the raw object.
func (t *Tool) UnmarshalJSON(data []byte) error {
	type plain Tool
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	fields, err := decodeObject(data)
	if err != nil {
		return err
	}
	*t = Tool(p)
	t.Fields = fields
	return nil
}

// Signature returns "os/architecture".
func (t Tool) Signature() string {
	return t.OS + "/" + t.Architecture
}

// BootstrapRequest is the CreateInstance payload read from stdin.
type BootstrapRequest struct {
	Tools         []Tool
	Name          string
	PoolID        string
	InstanceToken string
	MetadataURL   string
	CallbackURL   string

	// Fields holds every top-level key except "tools", as sent.
	Fields map[string]any
}

// ParseBootstrap decodes a CreateInstance request.  Failures are
// reported as KindInput.
func ParseBootstrap(data []byte) (BootstrapRequest, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return BootstrapRequest{}, NewError(KindInput, err, "decoding bootstrap request")
	}

	var req BootstrapRequest
	if raw, ok := fields["tools"]; ok {
		buf, err := json.Marshal(raw)
		if err != nil {
			return BootstrapRequest{}, NewError(KindInput, err, "re-encoding tools")
		}
		if err := json.Unmarshal(buf, &req.Tools); err != nil {
			return BootstrapRequest{}, NewError(KindInput, err, "decoding tools")
		}
		delete(fields, "tools")
	}
	req.Fields = fields

	req.Name = stringField(fields, "name")
	req.PoolID = stringField(fields, "pool_id")
	req.InstanceToken = stringField(fields, "instance-token")
	req.MetadataURL = stringField(fields, "metadata-url")
	req.CallbackURL = stringField(fields, "callback-url")

	if req.Name == "" {
		return BootstrapRequest{}, NewError(KindInput, nil, "bootstrap request has no name")
	}
	if err := ValidateName(req.Name); err != nil {
		return BootstrapRequest{}, err
	}
	return req, nil
}

// ValidateName reports a KindInput error unless name is a single local
// path element.  Instance names become directory names under the work
// directory.
func ValidateName(name string) error {
	if name == "" || name == "." || !filepath.IsLocal(name) || filepath.Base(name) != name {
		return NewError(KindInput, nil, "invalid instance name %q", name)
	}
	return nil
}

// decodeObject decodes a JSON object keeping numbers in their literal
// form (json.Number) so they are re-emitted exactly.
func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return out, nil
}

func stringField(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}
