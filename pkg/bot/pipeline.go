package bot

import (
	"context"
	"fmt"

	"github.com/qbot-dev/qbot/pkg/logger"
	"github.com/qbot-dev/qbot/pkg/onebot"
	"github.com/qbot-dev/qbot/pkg/plugins"
	"github.com/qbot-dev/qbot/pkg/utils"
)

// HandleEvent runs one event through the plugins and the fallback handler
// and sends the reply, if any. A failure to produce or send a reply is
// answered with the configured failure notice.
func (b *Bot) HandleEvent(ctx context.Context, evt *onebot.Event) error {
	reply, source, err := b.produceReply(ctx, evt)
	if err != nil {
		b.fail(ctx, evt, "produce reply", err)
		return err
	}
	if reply == "" {
		return nil
	}

	if word, blocked := b.filter.Contains(reply); blocked {
		logger.WarnCF("bot", "Reply contains a blocked word, not sent", map[string]interface{}{
			"context": evt.ContextID(),
			"source":  source,
			"word":    word,
		})
		return nil
	}

	if err := b.Send(ctx, evt.ContextID(), reply); err != nil {
		b.fail(ctx, evt, "send reply", err)
		return err
	}
	b.replies.Add(1)

	logger.DebugCF("bot", "Reply sent", map[string]interface{}{
		"context": evt.ContextID(),
		"source":  source,
		"preview": utils.Truncate(reply, 80),
	})
	b.plugins.NotifySend(ctx, evt, reply)
	return nil
}

func (b *Bot) produceReply(ctx context.Context, evt *onebot.Event) (string, string, error) {
	if evt.IsMessage() {
		if cmd, ok := plugins.ParseCommand(evt.Content()); ok {
			cmd.Event = evt
			if reply, from := b.plugins.HandleCommand(ctx, cmd); reply != "" {
				return reply, from, nil
			}
		}
	}

	if reply, from := b.plugins.HandleMessage(ctx, evt); reply != "" {
		return reply, from, nil
	}

	if b.handler == nil {
		return "", "", nil
	}
	reply, err := b.handler.HandleEvent(ctx, evt)
	if err != nil {
		return "", "handler", fmt.Errorf("fallback handler: %w", err)
	}
	return reply, "handler", nil
}

// Send delivers text to a conversation, split into parts the backend
// accepts.
func (b *Bot) Send(ctx context.Context, contextID, text string) error {
	for _, part := range utils.SplitMessage(text, b.cfg.Bot.MaxReplyLength) {
		action, params, err := onebot.BuildSendRequest(contextID, part)
		if err != nil {
			return err
		}
		if _, err := b.send(ctx, outbound{Action: action, Params: params}); err != nil {
			return fmt.Errorf("%s to %s: %w", action, contextID, err)
		}
	}
	return nil
}

// fail logs err and tells the conversation something went wrong. Only
// message events get a notice, and a failed notice is only logged.
func (b *Bot) fail(ctx context.Context, evt *onebot.Event, stage string, err error) {
	b.failures.Add(1)
	logger.ErrorCF("bot", "Event handling failed", map[string]interface{}{
		"stage":   stage,
		"context": evt.ContextID(),
		"error":   err.Error(),
		"event":   utils.Truncate(string(evt.Raw), 300),
	})

	notice := b.cfg.Bot.FailureNotice
	if notice == "" || !evt.IsMessage() || ctx.Err() != nil {
		return
	}
	action, params, buildErr := onebot.BuildSendRequest(evt.ContextID(), notice)
	if buildErr != nil {
		return
	}
	if _, err := b.call(ctx, outbound{Action: action, Params: params}); err != nil {
		logger.WarnCF("bot", "Failure notice not delivered", map[string]interface{}{
			"context": evt.ContextID(),
			"error":   err.Error(),
		})
	}
}
