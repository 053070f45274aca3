package health

import "time"

func newStatus(component, status, message string) Status {
	return Status{
		Component: component,
		Healthy:   status == StatusHealthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewHealthy(component, message string) Status {
	return newStatus(component, StatusHealthy, message)
}

func NewUnhealthy(component, message string) Status {
	return newStatus(component, StatusUnhealthy, message)
}

func NewDegraded(component, message string) Status {
	return newStatus(component, StatusDegraded, message)
}

// Aggregate rolls sub-statuses up into one: any unhealthy child makes the
// result unhealthy, otherwise any degraded child makes it degraded.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	worst := 2
	for _, sub := range subStatuses {
		if l := sub.Level(); l < worst {
			worst = l
		}
	}

	var status Status
	switch worst {
	case 0:
		status = NewUnhealthy(component, "One or more sub-components are unhealthy")
	case 1:
		status = NewDegraded(component, "One or more sub-components are degraded")
	default:
		status = NewHealthy(component, "All sub-components are healthy")
	}
	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}
