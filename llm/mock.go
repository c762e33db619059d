package llm

import (
	"context"
	"fmt"
	"strings"
)

type cannedReply struct {
	keywords []string
	reply    string
}

// Checked in order; the first rule with a matching keyword wins.
var cannedReplies = []cannedReply{
	{
		keywords: []string{"prescription", "refill", "medication", "pill"},
		reply: "Sure, I can help with that. " +
			"I can request a refill for your current prescriptions " +
			"or check the status of one you already requested. " +
			"Which medication would you like to renew?",
	},
	{
		keywords: []string{"sick", "ill", "unwell", "not feeling well"},
		reply: "I understand you're not feeling well. " +
			"Get plenty of rest and stay hydrated. " +
			"If you have a fever over 103 degrees, difficulty breathing, " +
			"or symptoms lasting more than three days, please see a doctor. " +
			"Would you like me to help schedule an appointment?",
	},
	{
		keywords: []string{"headache"},
		reply: "I'm sorry to hear about your headache. " +
			"Resting in a quiet, dark room and staying hydrated often helps. " +
			"Seek care right away if it is sudden and severe " +
			"or comes with a stiff neck or confusion. " +
			"Would you like to schedule an appointment?",
	},
	{
		keywords: []string{"fever"},
		reply: "A fever is usually your body fighting an infection. " +
			"Monitor your temperature and drink plenty of fluids. " +
			"If it goes above 103 degrees or lasts more than three days, " +
			"please contact your provider.",
	},
	{
		keywords: []string{"appointment", "schedule", "book"},
		reply: "I can help you with appointments. " +
			"We have primary care, telehealth and follow-up visits available. " +
			"What day and time works best for you?",
	},
}

// MockLanguageModel answers from a small set of canned clinical replies.
// It serves the dev backend when no model credentials are configured.
type MockLanguageModel struct{}

func (MockLanguageModel) Reply(message string) string {
	lower := strings.ToLower(message)
	for _, rule := range cannedReplies {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.reply
			}
		}
	}
	return fmt.Sprintf(
		"I understand you're asking about: %q. "+
			"As your healthcare assistant, I can help with symptoms, "+
			"appointments, medications, and more. "+
			"Could you provide more details?",
		message,
	)
}

func (m MockLanguageModel) ChatCompletion(
	ctx context.Context,
	req *ChatCompletionRequest,
) (chan *ChatCompletionResponse, error) {
	reply := m.Reply(req.LastUserMessage())
	result := make(chan *ChatCompletionResponse, 1)
	result <- &ChatCompletionResponse{Content: reply}
	close(result)
	return result, nil
}
