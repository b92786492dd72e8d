package bot

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/valerybot/valery/internal/accounting"
	"github.com/valerybot/valery/internal/config"
	"github.com/valerybot/valery/internal/store"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the
// duration until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// formatDigest renders the usage digest posted to the operator channel.
// Returns "" when there is nothing to report.
func formatDigest(t store.UsageTotals, activeTimers int, pricing config.PricingConfig) string {
	if t.Users == 0 {
		return ""
	}
	tokenCost := accounting.NewTokenPricer(accounting.Micros(pricing.TokenPriceMicros)).Cost(t.TotalTokens)
	transcriptionCost := accounting.NewTranscriptionPricer(accounting.Micros(pricing.TranscriptionMinutePriceMicros)).Cost(t.TranscribedSecs)
	return fmt.Sprintf(
		"📊 Valery usage\nUsers: %d\nTokens used: %d (%s)\nVoice transcribed: %.1f min (%s)\nPending reminders: %d",
		t.Users, t.TotalTokens, tokenCost, t.TranscribedSecs/60, transcriptionCost, activeTimers)
}
