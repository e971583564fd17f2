package dispatch

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"funnelbot/internal/content"
	"funnelbot/internal/delivery"
	"funnelbot/internal/funnel"
)

func (f *Facade) send(ctx context.Context, chatID int64, a funnel.Action) error {
	for i, step := range f.catalog.Steps(a) {
		var err error
		switch step.Kind {
		case content.StepText:
			err = f.sink.SendText(ctx, textOf(chatID, step))
		case content.StepMedia:
			err = f.sendMedia(ctx, chatID, step)
		case content.StepForward:
			err = f.forward(ctx, chatID, step)
		}
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func textOf(chatID int64, s content.Step) delivery.Text {
	return delivery.Text{
		ChatID:         chatID,
		Body:           s.Body,
		Format:         s.Format,
		Keyboard:       s.Keyboard,
		DisablePreview: s.DisablePreview,
	}
}

// sendMedia prefers the cached handle, falls back to uploading the file when
// the handle is cold or stale, and caches whatever handle the upload yields.
func (f *Facade) sendMedia(ctx context.Context, chatID int64, s content.Step) error {
	m := delivery.Media{
		ChatID:   chatID,
		Kind:     s.Media,
		Caption:  s.Body,
		Format:   s.Format,
		Keyboard: s.Keyboard,
	}
	if s.CacheKey != "" {
		handle, ok, err := f.repo.GetCachedHandle(ctx, s.CacheKey)
		if err != nil {
			log.Warn().Err(err).Str("key", s.CacheKey).Msg("cache lookup failed")
		}
		if ok {
			m.Handle = handle
			h, err := f.sink.SendMedia(ctx, m)
			if err == nil {
				f.remember(ctx, s.CacheKey, h)
				return nil
			}
			if !delivery.IsNotFound(err) {
				return err
			}
			log.Warn().Err(err).Str("key", s.CacheKey).Msg("cached handle rejected, uploading file")
			m.Handle = ""
		}
	}

	if !fileExists(s.Path) {
		if s.TextFallback {
			return f.sink.SendText(ctx, textOf(chatID, s))
		}
		log.Error().Str("path", s.Path).Str("media", s.Media.String()).Msg("media file missing")
		if err := f.sink.SendText(ctx, delivery.Text{ChatID: chatID, Body: s.Diagnostic, DisablePreview: true}); err != nil {
			return err
		}
		return fmt.Errorf("%s %q: %w", s.Media, s.Path, ErrContentMissing)
	}

	m.Path = s.Path
	h, err := f.sink.SendMedia(ctx, m)
	if err != nil {
		return err
	}
	if s.CacheKey != "" {
		f.remember(ctx, s.CacheKey, h)
	}
	return nil
}

func (f *Facade) remember(ctx context.Context, key, handle string) {
	if handle == "" {
		return
	}
	if err := f.repo.PutCachedHandle(ctx, key, handle); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache store failed")
	}
}

// forward relays a channel post. Any forward failure is replaced by the step's
// fallback text; only a failure of that text reaches the caller.
func (f *Facade) forward(ctx context.Context, chatID int64, s content.Step) error {
	if s.MessageID <= 0 {
		log.Warn().Int("message_id", s.MessageID).Msg("forward skipped: no post id configured")
		return nil
	}
	err := f.sink.Forward(ctx, chatID, s.FromChatID, s.MessageID)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Int("message_id", s.MessageID).Int64("from_chat_id", s.FromChatID).Msg("forward failed, sending fallback")
	return f.sink.SendText(ctx, delivery.Text{ChatID: chatID, Body: s.Fallback, DisablePreview: true})
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
