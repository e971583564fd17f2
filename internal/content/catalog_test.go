package content

import (
	"strings"
	"testing"

	"funnelbot/internal/funnel"
)

func testCatalog() *Catalog {
	return NewCatalog(Config{
		FAQChannelID:      -100,
		FAQChannelURL:     "https://t.me/faq",
		BookUsername:      "coach",
		VideoPostID:       135,
		AnnaPostID:        112,
		MaximPostID:       140,
		PracticeAudioPath: "/assets/practice.m4a",
		CheckupPDFPath:    "/assets/checkup.pdf",
		CheckupImagePath:  "/assets/2.jpg",
		AnnaImagePath:     "/assets/5.jpg",
	})
}

func TestSteps_EveryContentActionHasSteps(t *testing.T) {
	c := testCatalog()
	for a := funnel.ActionRetryLater; a <= funnel.ActionWatchVideo; a++ {
		if len(c.Steps(a)) == 0 {
			t.Fatalf("action %s has no steps", a)
		}
	}
	if steps := c.Steps(funnel.ActionNone); steps != nil {
		t.Fatalf("ActionNone steps=%v, want nil", steps)
	}
}

func TestSteps_Practice(t *testing.T) {
	steps := testCatalog().Steps(funnel.ActionPractice)
	if len(steps) != 2 {
		t.Fatalf("len=%d, want 2", len(steps))
	}
	audio := steps[0]
	if audio.Kind != StepMedia || audio.CacheKey != KeyPracticeAudio || audio.TextFallback {
		t.Fatalf("unexpected audio step %+v", audio)
	}
	if audio.Diagnostic == "" {
		t.Fatalf("audio step needs a diagnostic")
	}
}

func TestSteps_DeepLinkPromptOffersIntro(t *testing.T) {
	c := testCatalog()
	plain := c.Steps(funnel.ActionCheckupPrompt)[0]
	deep := c.Steps(funnel.ActionCheckupPromptDeepLink)[0]
	if len(plain.Keyboard) != 1 || len(deep.Keyboard) != 2 {
		t.Fatalf("keyboards plain=%d deep=%d rows", len(plain.Keyboard), len(deep.Keyboard))
	}
	if deep.Keyboard[1][0].Data != string(funnel.ButtonWhatDate) {
		t.Fatalf("second button=%+v", deep.Keyboard[1][0])
	}
	if !deep.TextFallback {
		t.Fatalf("photo prompt should fall back to text")
	}
}

func TestSteps_Links(t *testing.T) {
	c := testCatalog()
	video := c.Steps(funnel.ActionWatchVideo)[0]
	if video.Kind != StepForward || video.MessageID != 135 || video.Fallback != "https://t.me/faq/135" {
		t.Fatalf("unexpected video step %+v", video)
	}
	contact := c.Steps(funnel.ActionContactLink)[0]
	if !strings.HasSuffix(contact.Keyboard[0][0].URL, "/coach") {
		t.Fatalf("contact url=%q", contact.Keyboard[0][0].URL)
	}
	storyB := c.Steps(funnel.ActionStoryB)
	if storyB[1].Kind != StepForward || storyB[1].MessageID != 140 {
		t.Fatalf("unexpected story-b forward %+v", storyB[1])
	}
}
