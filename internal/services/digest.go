/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/Latermedia/linearbot-sub006/internal/config"
	"github.com/Latermedia/linearbot-sub006/internal/domain"
	"github.com/rs/zerolog"
)

// Notifier delivers digest text to chat channels.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMessagePlain(ctx context.Context, chatID int64, text string) error
	SendMarkdownV2(ctx context.Context, chatID int64, text string) error
}

// Summarizer produces an optional narrative over the pillar numbers.
type Summarizer interface {
	Summarize(ctx context.Context, payload domain.MetricsPayload, trends map[string]domain.Trend) (string, error)
}

// Digest renders the org-level overview into a weekly chat message.
type Digest struct {
	cfg    config.Config
	log    zerolog.Logger
	engine *Engine
	tg     Notifier
	llm    Summarizer
}

func NewDigest(cfg config.Config, log zerolog.Logger, engine *Engine, tg Notifier, llm Summarizer) *Digest {
	return &Digest{cfg: cfg, log: log, engine: engine, tg: tg, llm: llm}
}

// Send computes the org overview and delivers it to every configured chat.
// Per-chat delivery failures are logged, not returned; one dead chat must not
// block the rest.
func (d *Digest) Send(ctx context.Context) error {
	ov, err := d.engine.Overview(ctx, domain.LevelOrg, "")
	if err != nil { return err }
	if !ov.HasData {
		d.log.Info().Msg("digest skipped: no snapshots captured yet")
		return nil
	}

	text := renderDigest(ov)
	if d.llm != nil {
		if sum, serr := d.llm.Summarize(ctx, *ov.Payload, ov.Trends); serr != nil {
			d.log.Warn().Err(serr).Msg("digest summary unavailable")
		} else if sum != "" {
			text += "\n\n*Summary*\n" + escMdV2(sum)
		}
	}

	for _, chat := range d.cfg.TelegramChatIDs {
		for _, part := range chunkText(text, 3800) {
			if err := d.tg.SendMarkdownV2(ctx, chat, part); err != nil {
				d.log.Error().Err(err).Int64("chat_id", chat).Msg("telegram send failed")
			}
		}
	}
	return nil
}

func statusEmoji(s domain.PillarStatus) string {
	switch s {
	case domain.StatusHealthy:
		return "🟢"
	case domain.StatusWarning:
		return "🟡"
	case domain.StatusCritical:
		return "🔴"
	default:
		return "⚪️"
	}
}

func trendArrow(t domain.Trend, ok bool) string {
	if !ok || !t.HasEnoughData {
		return ""
	}
	arrow := "→"
	switch t.Direction {
	case domain.TrendUp:
		arrow = "↑"
	case domain.TrendDown:
		arrow = "↓"
	}
	s := fmt.Sprintf(" %s %.1f%% 7d", arrow, t.PercentChange)
	if t.ReducedWindow {
		s += fmt.Sprintf(" (%dd of data)", t.ActualDays)
	}
	return s
}

func renderDigest(ov *MetricsOverview) string {
	p := ov.Payload
	var b strings.Builder
	b.WriteString("*Engineering Pulse*\n")
	b.WriteString(escMdV2(fmt.Sprintf("as of %s", ov.CapturedAt.Format("Mon 2006-01-02 15:04 MST"))) + "\n\n")

	th, thOK := ov.Trends["teamHealth7d"]
	b.WriteString(statusEmoji(p.TeamHealth.Status) + " " + escMdV2(fmt.Sprintf(
		"Team Health: %.0f%% of %d engineers within WIP policy (%d WIP, %d focus violations)%s",
		p.TeamHealth.HealthyPercent, p.TeamHealth.EngineerCount,
		p.TeamHealth.WIPViolations, p.TeamHealth.FocusViolations, trendArrow(th, thOK))) + "\n")

	vt, vtOK := ov.Trends["velocity7d"]
	b.WriteString(statusEmoji(p.Velocity.Status) + " " + escMdV2(fmt.Sprintf(
		"Velocity: %d/%d projects on track, %d at risk, %d off track%s",
		p.Velocity.OnTrack, p.Velocity.ProjectCount, p.Velocity.AtRisk, p.Velocity.OffTrack, trendArrow(vt, vtOK))) + "\n")

	if p.Productivity.Available {
		pt, ptOK := ov.Trends["productivity7d"]
		b.WriteString(statusEmoji(p.Productivity.Status) + " " + escMdV2(fmt.Sprintf(
			"Productivity: %.1f/week per engineer (goal %.1f, %d%% of goal)%s",
			p.Productivity.WeeklyPerEngineer, p.Productivity.GoalPerWeek, p.Productivity.PercentOfGoal, trendArrow(pt, ptOK))) + "\n")
	} else {
		b.WriteString("⚪️ " + escMdV2("Productivity: throughput source not configured") + "\n")
	}

	qt, qtOK := ov.Trends["quality7d"]
	b.WriteString(statusEmoji(p.Quality.Status) + " " + escMdV2(fmt.Sprintf(
		"Quality: score %d (%d open bugs, %+d net in window)%s",
		p.Quality.Score, p.Quality.OpenBugs, p.Quality.NetBugChange, trendArrow(qt, qtOK))) + "\n")

	return b.String()
}

// escMdV2 escapes Telegram MarkdownV2 special characters.
func escMdV2(s string) string {
	repl := []string{"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(", "\\(", ")", "\\)", "~", "\\~", "`", "\\`", ">", "\\>", "#", "\\#", "+", "\\+", "-", "\\-", "=", "\\=", "|", "\\|", "{", "\\{", "}", "\\}", ".", "\\.", "!", "\\!"}
	for i := 0; i < len(repl); i += 2 {
		s = strings.ReplaceAll(s, repl[i], repl[i+1])
	}
	return s
}

// chunkText splits text into chunks of up to max runes, attempting to break on line boundaries.
func chunkText(s string, max int) []string {
	if max <= 0 { return []string{s} }
	var chunks []string
	lines := strings.Split(s, "\n")
	cur := ""
	curlen := 0
	for _, ln := range lines {
		rl := len([]rune(ln))
		// If a single line exceeds max, hard-split the line
		if rl > max {
			if curlen > 0 { chunks = append(chunks, cur); cur = ""; curlen = 0 }
			r := []rune(ln)
			for i := 0; i < rl; i += max {
				j := i + max
				if j > rl { j = rl }
				chunks = append(chunks, string(r[i:j]))
			}
			continue
		}
		extra := rl
		if curlen > 0 { extra += 1 }
		if curlen+extra > max {
			chunks = append(chunks, cur)
			cur = ln
			curlen = rl
		} else {
			if curlen == 0 { cur = ln; curlen = rl } else { cur += "\n" + ln; curlen += extra }
		}
	}
	if curlen > 0 { chunks = append(chunks, cur) }
	if len(chunks) == 0 { chunks = []string{""} }
	return chunks
}
