package catalog

// Status tells whether a configured feature can be used.
// It is either Enabled or Disabled.
type Status interface {
	Enabled() bool
}

// EnabledStatus marks a feature as usable.
type EnabledStatus struct{}

func (EnabledStatus) Enabled() bool { return true }

// DisabledStatus marks a feature as unusable and keeps the reason.
type DisabledStatus struct {
	Reason error
}

func (DisabledStatus) Enabled() bool { return false }

// Enabled is the shared EnabledStatus value.
var Enabled Status = EnabledStatus{}

// Disabled builds a DisabledStatus.
func Disabled(reason error) Status {
	return DisabledStatus{Reason: reason}
}
