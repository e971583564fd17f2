package funnel

// Action is the content the recipient should receive as a result of a decision.
type Action int

const (
	ActionNone Action = iota
	ActionRetryLater
	ActionNeedSubscribe
	ActionPracticeIntro
	ActionCheckupPrompt
	ActionCheckupPromptDeepLink
	ActionPractice
	ActionCheckup
	ActionVideoPrompt
	ActionCallInvite
	ActionStoryA
	ActionStoryB
	ActionFinalPush
	ActionReminder
	ActionContactLink
	ActionWatchVideo
)

var actionNames = map[Action]string{
	ActionNone:                  "none",
	ActionRetryLater:            "retry-later",
	ActionNeedSubscribe:         "need-subscribe",
	ActionPracticeIntro:         "practice-intro",
	ActionCheckupPrompt:         "checkup-prompt",
	ActionCheckupPromptDeepLink: "checkup-prompt-deeplink",
	ActionPractice:              "practice",
	ActionCheckup:               "checkup",
	ActionVideoPrompt:           "video-prompt",
	ActionCallInvite:            "call-invite",
	ActionStoryA:                "story-a",
	ActionStoryB:                "story-b",
	ActionFinalPush:             "final-push",
	ActionReminder:              "reminder",
	ActionContactLink:           "contact-link",
	ActionWatchVideo:            "watch-video",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "unknown"
}

// Button identifies an interactive control attached to outbound messages.
// The value travels as the callback payload.
type Button string

const (
	// ButtonStart is no longer attached to new messages. Welcome messages
	// already sent still carry it, so it stays routable.
	ButtonStart       Button = "START"
	ButtonCheckSub    Button = "CHECK_SUB"
	ButtonGetPractice Button = "GET_PRACTICE"
	ButtonDownloadPDF Button = "DOWNLOAD_PDF"
	ButtonWatchVideo  Button = "WATCH_VIDEO"
	ButtonChooseTime  Button = "CHOOSE_TIME"
	ButtonWhatDate    Button = "WHAT_DATE"
)

// ParseButton recognises a callback payload. Unknown payloads are rejected.
func ParseButton(data string) (Button, bool) {
	switch b := Button(data); b {
	case ButtonStart, ButtonCheckSub, ButtonGetPractice, ButtonDownloadPDF,
		ButtonWatchVideo, ButtonChooseTime, ButtonWhatDate:
		return b, true
	}
	return "", false
}

// TriggerFor maps a button that needs no external lookups to its trigger.
// START and CHECK_SUB require a subscription check and report false.
func TriggerFor(b Button) (Trigger, bool) {
	switch b {
	case ButtonGetPractice:
		return On(TriggerPracticeRequested), true
	case ButtonDownloadPDF:
		return On(TriggerCheckupDownloadRequested), true
	case ButtonWatchVideo:
		return On(TriggerVideoWatchRequested), true
	case ButtonChooseTime:
		return On(TriggerTimeChosen), true
	case ButtonWhatDate:
		return On(TriggerIntroRequested), true
	}
	return Trigger{}, false
}
