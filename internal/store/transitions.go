package store

import "qms/queue-engine/internal/models"

var transitionMap = map[string][]string{
	"check_in": {models.StatusWaiting},
	"serve":    {models.StatusWaiting},
	"cancel":   {models.StatusWaiting},
}

var transitionTarget = map[string]string{
	"check_in": models.StatusWaiting,
	"serve":    models.StatusServed,
	"cancel":   models.StatusCancelled,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus is the status a token holds after the action succeeds.
func TargetStatus(action string) (string, bool) {
	status, ok := transitionTarget[action]
	return status, ok
}
