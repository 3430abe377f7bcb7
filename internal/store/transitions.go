package store

import "qms/clinic-queue/internal/models"

const (
	ActionCallNext          = "call_next"
	ActionStartConsultation = "start_consultation"
	ActionComplete          = "complete"
	ActionNoShow            = "no_show"
	ActionExpire            = "expire"
)

var transitionMap = map[string][]string{
	ActionCallNext:          {models.StatusWaiting},
	ActionStartConsultation: {models.StatusCalled},
	ActionComplete:          {models.StatusInConsultation},
	ActionNoShow:            {models.StatusCalled, models.StatusInConsultation},
	ActionExpire:            {models.StatusWaiting, models.StatusCalled, models.StatusInConsultation},
}

var actionTarget = map[string]string{
	ActionCallNext:          models.StatusCalled,
	ActionStartConsultation: models.StatusInConsultation,
	ActionComplete:          models.StatusCompleted,
	ActionNoShow:            models.StatusNoShow,
	ActionExpire:            models.StatusExpired,
}

// staffActions maps a requested target status to the staff action that
// produces it. CALLED is reachable only through call-next and WAITING is
// never a target.
var staffActions = map[string]string{
	models.StatusInConsultation: ActionStartConsultation,
	models.StatusCompleted:      ActionComplete,
	models.StatusNoShow:         ActionNoShow,
	models.StatusExpired:        ActionExpire,
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

// ActionForTarget returns the staff action that moves a token to status.
func ActionForTarget(status string) (string, bool) {
	action, ok := staffActions[status]
	return action, ok
}

func TargetStatus(action string) string {
	return actionTarget[action]
}

// AllowedFrom lists the statuses an action may start from.
func AllowedFrom(action string) []string {
	return append([]string(nil), transitionMap[action]...)
}

// AppointmentCascade returns the appointment status that follows a token
// action, if any. Only call-next, complete and no-show cascade.
func AppointmentCascade(action string) (string, bool) {
	switch action {
	case ActionCallNext:
		return models.AppointmentInConsultation, true
	case ActionComplete:
		return models.AppointmentCompleted, true
	case ActionNoShow:
		return models.AppointmentNoShow, true
	default:
		return "", false
	}
}
