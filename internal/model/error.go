package model

type NotFoundError struct{}

func (e NotFoundError) Error() string {
	return "not found"
}

// LaunchNotStartedError is returned to a subordinate worker when the
// coordinator did not publish a launch id in time.
type LaunchNotStartedError struct{}

func (e LaunchNotStartedError) Error() string {
	return "Launch has not started."
}

// MaintenanceError is returned when the reporting service answers with its
// maintenance page.
type MaintenanceError struct {
	Message string
}

func (e MaintenanceError) Error() string {
	if e.Message == "" {
		return "reporting service is in maintenance mode"
	}

	return "reporting service is in maintenance mode: " + e.Message
}

// AlreadyPublishedError is returned when a launch id is published twice
// with different values.
type AlreadyPublishedError struct {
	Existing string
}

func (e AlreadyPublishedError) Error() string {
	return "launch id already published: " + e.Existing
}

func (e MaintenanceError) Kind() string {
	return "maintenance"
}
