package runner

import "github.com/hashicorp/go-multierror"

// multierrorList accumulates cleanup failures so RunCleanup can report every
// failed step instead of only the first.
type multierrorList struct {
	inner *multierror.Error
}

func (m *multierrorList) append(err error) *multierrorList {
	if m == nil {
		m = &multierrorList{}
	}
	m.inner = multierror.Append(m.inner, err)
	return m
}

func (m *multierrorList) Error() string {
	if m == nil || m.inner == nil {
		return ""
	}
	return m.inner.Error()
}
