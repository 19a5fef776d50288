package provider

// InstanceStatus is the orchestrator's view of an instance.
type InstanceStatus string

const (
	StatusRunning  InstanceStatus = "running"
	StatusStopped  InstanceStatus = "stopped"
	StatusCreating InstanceStatus = "creating"
	StatusError    InstanceStatus = "error"
)

// statusTable maps supervisor process states onto InstanceStatus.
// pm2 reports "waiting restart" with a space; both spellings are kept.
var statusTable = map[string]InstanceStatus{
	"online":          StatusRunning,
	"stopped":         StatusStopped,
	"stopping":        StatusStopped,
	"waiting_restart": StatusRunning,
	"waiting restart": StatusRunning,
	"launching":       StatusCreating,
	"errored":         StatusError,
}

// MapStatus translates a supervisor status.  Unknown values are passed
// through unchanged.
func MapStatus(supervisorStatus string) InstanceStatus {
	if s, ok := statusTable[supervisorStatus]; ok {
		return s
	}
	return InstanceStatus(supervisorStatus)
}

// StatusTable returns a copy of the static mapping.
func StatusTable() map[string]InstanceStatus {
	out := make(map[string]InstanceStatus, len(statusTable))
	for k, v := range statusTable {
		out[k] = v
	}
	return out
}
