package relay

import "strings"

const EmergencyReply = "🚨 Emergency Help"

const maxQuickReplies = 4

type replyRule struct {
	keywords []string
	replies  []string
}

var replyRules = []replyRule{
	{
		keywords: []string{"panic", "anxiety", "attack", "scared", "afraid", "stress"},
		replies:  []string{"Grounding Exercises", "Breathing Techniques", "Talk to Someone", "Emergency Help"},
	},
	{
		keywords: []string{"sick", "ill", "unwell", "pain", "hurt", "fever"},
		replies:  []string{"Schedule Appointment", "Symptom Checker", "Medication Info", "Find Urgent Care"},
	},
	{
		keywords: []string{"appointment"},
		replies:  []string{"Check Availability", "Reschedule", "Cancel Appointment", "Telehealth Options"},
	},
	{
		keywords: []string{"prescription", "medication", "pill"},
		replies:  []string{"Refill Request", "Side Effects", "Dosage Info", "Alternative Meds"},
	},
	{
		keywords: []string{"result", "test", "lab", "blood"},
		replies:  []string{"View Lab Results", "Explain Results", "Next Steps", "Schedule Follow-up"},
	},
}

var defaultReplies = []string{
	"Schedule Appointment",
	"Prescription Refill",
	"Symptom Check",
	"Mental Health Support",
	"Lab Results",
	"Find Provider",
}

var urgentWords = []string{"emergency", "urgent", "911", "immediate", "severe", "panic"}

// QuickReplies suggests up to four follow-up buttons for a chat exchange.
// An emergency option leads when the reply sounds urgent.
func QuickReplies(message, response string) []string {
	msg := strings.ToLower(message)

	replies := defaultReplies
	for _, rule := range replyRules {
		if containsAny(msg, rule.keywords) {
			replies = rule.replies
			break
		}
	}

	if containsAny(strings.ToLower(response), urgentWords) {
		urgent := make([]string, 0, maxQuickReplies)
		urgent = append(urgent, EmergencyReply)
		urgent = append(urgent, replies[:min(3, len(replies))]...)
		replies = urgent
	}

	return append([]string(nil), replies[:min(maxQuickReplies, len(replies))]...)
}

const (
	WidgetNone           = ""
	WidgetMentalHealth   = "mental_health"
	WidgetCalendar       = "calendar"
	WidgetSymptomChecker = "symptom_checker"
	WidgetMedicationList = "medication_list"
	WidgetLabResults     = "lab_results"
	WidgetBilling        = "billing"
)

var messageWidgets = []struct {
	keywords []string
	widget   string
}{
	{[]string{"panic", "anxiety", "stress", "mental"}, WidgetMentalHealth},
	{[]string{"appointment", "schedule"}, WidgetCalendar},
	{[]string{"symptom", "check", "assessment"}, WidgetSymptomChecker},
	{[]string{"medication", "prescription", "pharmacy"}, WidgetMedicationList},
	{[]string{"result", "test", "lab"}, WidgetLabResults},
	{[]string{"bill", "payment", "insurance"}, WidgetBilling},
}

// Widget picks the UI panel that fits an exchange, looking at the user's
// message first and the reply second.
func Widget(message, response string) string {
	msg := strings.ToLower(message)
	for _, w := range messageWidgets {
		if containsAny(msg, w.keywords) {
			return w.widget
		}
	}

	resp := strings.ToLower(response)
	switch {
	case containsAny(resp, []string{"calendar", "schedule"}):
		return WidgetCalendar
	case containsAny(resp, []string{"symptom", "assessment"}):
		return WidgetSymptomChecker
	default:
		return WidgetNone
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
