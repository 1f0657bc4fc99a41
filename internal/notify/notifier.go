package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"eg4-assistant/internal/reading"
	"eg4-assistant/internal/settings"
	"eg4-assistant/internal/snapshot"
)

// ErrSkipped is returned when email is disabled or has no recipients.
var ErrSkipped = errors.New("notification skipped")

type SettingsSource interface {
	Current() settings.Settings
}

type Notifier struct {
	mailer   Mailer
	system   string
	settings SettingsSource
	loc      func() *time.Location
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger
}

// NewNotifier wraps mailer in a circuit breaker. loc supplies the zone used
// for times in the body.
func NewNotifier(mailer Mailer, system string, src SettingsSource, loc func() *time.Location, log *zap.Logger) *Notifier {
	if system == "" {
		system = "EG4 Assistant"
	}
	n := &Notifier{
		mailer:   mailer,
		system:   system,
		settings: src,
		loc:      loc,
		log:      log,
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mail",
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("mail circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return n
}

func (n *Notifier) Subject(e *reading.Event) string {
	return fmt.Sprintf("%s Alert: %s", n.system, e.Kind)
}

// Body renders the event message, the portal values it relates to and the
// local time.
func (n *Notifier) Body(e *reading.Event, snap snapshot.Composite) string {
	loc := time.Local
	if n.loc != nil {
		loc = n.loc()
	}
	var b strings.Builder
	b.WriteString(e.Message)
	b.WriteString("\n\n")

	if s := snap.EG4; s != nil {
		fmt.Fprintf(&b, "Battery: %d%% (%d W, %.1f V)\n", s.Battery.SOC, s.Battery.Power, s.Battery.Voltage)
		fmt.Fprintf(&b, "Solar: %d W\n", s.PV.TotalPower)
		fmt.Fprintf(&b, "Grid: %d W\n", s.Grid.Power)
		fmt.Fprintf(&b, "Load: %d W\n", s.Load.Power)
	}
	if u := snap.SRP; u != nil {
		fmt.Fprintf(&b, "Peak demand (%s): %.2f kW\n", u.Date, u.PeakDemandKW)
	}
	if p := snap.Enphase; p != nil {
		fmt.Fprintf(&b, "Enphase today: %.2f kWh, latest %.0f W\n", p.TodayKWh, p.LatestPowerW)
	}

	fmt.Fprintf(&b, "\nTime: %s\n", e.Timestamp.In(loc).Format("2006-01-02 15:04:05 MST"))
	return b.String()
}

// Notify mails the event to the configured recipients. It never retries.
func (n *Notifier) Notify(ctx context.Context, e *reading.Event, snap snapshot.Composite) error {
	cur := n.settings.Current()
	to := cur.Recipients()
	if !cur.EmailEnabled || len(to) == 0 || n.mailer == nil {
		n.log.Debug("email notification skipped",
			zap.Bool("enabled", cur.EmailEnabled),
			zap.Int("recipients", len(to)),
		)
		return ErrSkipped
	}

	subject := n.Subject(e)
	body := n.Body(e, snap)
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, n.mailer.Send(ctx, to, subject, body)
	})
	if err != nil {
		return fmt.Errorf("send %s notification: %w", e.Kind, err)
	}
	n.log.Info("notification sent", zap.String("kind", string(e.Kind)), zap.Strings("to", to))
	return nil
}
