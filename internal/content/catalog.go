// Package content holds the static texts, keyboards and file references the
// funnel sends for each action.
package content

import (
	"fmt"

	"funnelbot/internal/delivery"
	"funnelbot/internal/funnel"
)

// Cache keys for uploaded media handles.
const (
	KeyPracticeAudio = "practice_audio"
	KeyCheckupPDF    = "checkup_pdf"
)

type StepKind int

const (
	StepText StepKind = iota
	StepMedia
	StepForward
)

// Step is one outbound message. An action expands into one or more steps
// executed in order.
type Step struct {
	Kind StepKind

	Body           string
	Format         delivery.Format
	Keyboard       delivery.Keyboard
	DisablePreview bool

	// Media steps.
	Media    delivery.MediaKind
	Path     string
	CacheKey string
	// TextFallback sends Body as a text message when the file is missing.
	// Otherwise Diagnostic is sent and the step fails.
	TextFallback bool
	Diagnostic   string

	// Forward steps. Fallback is sent when the forward fails.
	FromChatID int64
	MessageID  int
	Fallback   string
}

type Config struct {
	FAQChannelID  int64
	FAQChannelURL string
	BookUsername  string

	VideoPostID int
	AnnaPostID  int
	MaximPostID int

	PracticeAudioPath string
	CheckupPDFPath    string
	CheckupImagePath  string
	AnnaImagePath     string
}

type Catalog struct {
	cfg Config
}

func NewCatalog(cfg Config) *Catalog {
	return &Catalog{cfg: cfg}
}

func callback(label string, b funnel.Button) delivery.Button {
	return delivery.Button{Label: label, Data: string(b)}
}

func (c *Catalog) bookingURL() string {
	return "https://t.me/" + c.cfg.BookUsername
}

// Steps returns what to send for a. Actions without content return nil.
func (c *Catalog) Steps(a funnel.Action) []Step {
	switch a {
	case funnel.ActionRetryLater:
		return []Step{{Kind: StepText, Body: textCheckUnavailable, DisablePreview: true}}

	case funnel.ActionNeedSubscribe:
		return []Step{{
			Kind:           StepText,
			Body:           textNeedSubscribe,
			Keyboard:       delivery.Column(callback("✅ I've subscribed", funnel.ButtonCheckSub)),
			DisablePreview: true,
		}}

	case funnel.ActionPracticeIntro:
		return []Step{{
			Kind:           StepText,
			Body:           textPracticeIntro,
			Format:         delivery.FormatHTML,
			Keyboard:       delivery.Column(callback("Get the practice", funnel.ButtonGetPractice)),
			DisablePreview: true,
		}}

	case funnel.ActionCheckupPrompt:
		return []Step{c.checkupPrompt(delivery.Column(
			callback("👉 Download the Check-up (PDF)", funnel.ButtonDownloadPDF),
		))}

	case funnel.ActionCheckupPromptDeepLink:
		return []Step{c.checkupPrompt(delivery.Column(
			callback("👉 Download the Check-up (PDF)", funnel.ButtonDownloadPDF),
			callback("What is the date about?", funnel.ButtonWhatDate),
		))}

	case funnel.ActionPractice:
		return []Step{
			{
				Kind:       StepMedia,
				Media:      delivery.MediaAudio,
				Path:       c.cfg.PracticeAudioPath,
				CacheKey:   KeyPracticeAudio,
				Body:       "🎧 Meeting your future self",
				Diagnostic: fmt.Sprintf(textFileMissing, "practice audio"),
			},
			{Kind: StepText, Body: textPracticeInstruction, Format: delivery.FormatHTML},
		}

	case funnel.ActionCheckup:
		return []Step{{
			Kind:       StepMedia,
			Media:      delivery.MediaDocument,
			Path:       c.cfg.CheckupPDFPath,
			CacheKey:   KeyCheckupPDF,
			Diagnostic: fmt.Sprintf(textFileMissing, "check-up PDF"),
		}}

	case funnel.ActionVideoPrompt:
		return []Step{{
			Kind:           StepText,
			Body:           textVideoPrompt,
			Format:         delivery.FormatHTML,
			Keyboard:       delivery.Column(callback("📺 Watch the explanation", funnel.ButtonWatchVideo)),
			DisablePreview: true,
		}}

	case funnel.ActionWatchVideo:
		return []Step{{
			Kind:           StepForward,
			FromChatID:     c.cfg.FAQChannelID,
			MessageID:      c.cfg.VideoPostID,
			Fallback:       fmt.Sprintf("%s/%d", c.cfg.FAQChannelURL, c.cfg.VideoPostID),
			DisablePreview: true,
		}}

	case funnel.ActionCallInvite:
		return []Step{{
			Kind:           StepText,
			Body:           textCallInvite,
			Format:         delivery.FormatHTML,
			Keyboard:       delivery.Column(delivery.Button{Label: "👉 Book 20 minutes", URL: c.bookingURL()}),
			DisablePreview: true,
		}}

	case funnel.ActionStoryA:
		return []Step{
			{
				Kind:         StepMedia,
				Media:        delivery.MediaPhoto,
				Path:         c.cfg.AnnaImagePath,
				Body:         textStoryA,
				Format:       delivery.FormatHTML,
				TextFallback: true,
			},
			c.forwardStory(c.cfg.AnnaPostID),
		}

	case funnel.ActionStoryB:
		return []Step{
			{Kind: StepText, Body: textStoryB, Format: delivery.FormatHTML, DisablePreview: true},
			c.forwardStory(c.cfg.MaximPostID),
		}

	case funnel.ActionFinalPush:
		return []Step{c.chooseTime(textFinalPush)}

	case funnel.ActionReminder:
		return []Step{c.chooseTime(textReminder)}

	case funnel.ActionContactLink:
		return []Step{{
			Kind: StepText,
			Body: textContactLink,
			Keyboard: delivery.Column(delivery.Button{
				Label: "✉️ Message @" + c.cfg.BookUsername,
				URL:   c.bookingURL(),
			}),
			DisablePreview: true,
		}}
	}
	return nil
}

// Apology is sent when an inbound request could not be served.
func (c *Catalog) Apology() string { return textApology }

func (c *Catalog) checkupPrompt(kb delivery.Keyboard) Step {
	return Step{
		Kind:           StepMedia,
		Media:          delivery.MediaPhoto,
		Path:           c.cfg.CheckupImagePath,
		Body:           textCheckupPrompt,
		Format:         delivery.FormatHTML,
		Keyboard:       kb,
		DisablePreview: true,
		TextFallback:   true,
	}
}

func (c *Catalog) forwardStory(messageID int) Step {
	return Step{
		Kind:           StepForward,
		FromChatID:     c.cfg.FAQChannelID,
		MessageID:      messageID,
		Fallback:       textForwardFailed,
		DisablePreview: true,
	}
}

func (c *Catalog) chooseTime(body string) Step {
	return Step{
		Kind:           StepText,
		Body:           body,
		Format:         delivery.FormatHTML,
		Keyboard:       delivery.Column(callback("Choose a time", funnel.ButtonChooseTime)),
		DisablePreview: true,
	}
}
