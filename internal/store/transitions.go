package store

import "qms/dispatch-service/internal/models"

var transitionMap = map[string][]models.Status{
	"call_next":     {models.StatusWaiting},
	"start_service": {models.StatusServing},
	"complete":      {models.StatusServing},
	"cancel":        {models.StatusWaiting},
	"reprioritize":  {models.StatusWaiting},
}

func ValidTransition(action string, fromStatus models.Status) bool {
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
