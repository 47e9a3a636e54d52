// Package notify delivers operator alerts for webhook events that need
// manual attention. Alerts are queued on a buffered channel and sent from a
// single background goroutine so the processing pipeline never blocks on
// SMTP.
package notify

import (
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2/log"

	"github.com/uzmarket/paygate/app/models"
	"github.com/uzmarket/paygate/internal/pkg/env"
	"github.com/uzmarket/paygate/internal/pkg/mail"
)

const alertBuffer = 64

type alert struct {
	subject string
	body    string
}

// Notifier sends e-mail alerts to the configured operator address.
type Notifier struct {
	recipient string
	alerts    chan alert
	stopOnce  sync.Once
	done      chan struct{}
}

// NewNotifier reads ALERT_RECIPIENT and starts the send loop. With no
// recipient configured the notifier only logs.
func NewNotifier() *Notifier {
	n := &Notifier{
		recipient: env.GetEnv("ALERT_RECIPIENT", ""),
		alerts:    make(chan alert, alertBuffer),
		done:      make(chan struct{}),
	}
	go n.sendLoop()
	return n
}

// Stop drains nothing; pending alerts in the buffer are dropped. Call it
// only on process shutdown.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
	})
}

// EventFailed reports a permanently rejected webhook event.
func (n *Notifier) EventFailed(event *models.WebhookEvent) {
	n.push(alert{
		subject: fmt.Sprintf("[PayGate] Webhook rejected: %s/%s", event.Provider, event.ProviderEventID),
		body:    alertBody("A webhook event was permanently rejected and will not be retried.", event),
	})
}

// EventDeadLettered reports an event parked after exhausting its retry
// budget.
func (n *Notifier) EventDeadLettered(event *models.WebhookEvent) {
	n.push(alert{
		subject: fmt.Sprintf("[PayGate] Webhook dead-lettered: %s/%s", event.Provider, event.ProviderEventID),
		body:    alertBody("A webhook event exhausted all processing attempts and was dead-lettered. Manual reconciliation may be required.", event),
	})
}

func (n *Notifier) push(a alert) {
	select {
	case n.alerts <- a:
	default:
		// Buffer full; the event state is durable, only the alert is lost.
		log.Warnf("[Notify] Alert buffer full, dropping: %s", a.subject)
	}
}

func (n *Notifier) sendLoop() {
	for {
		select {
		case <-n.done:
			return
		case a := <-n.alerts:
			if n.recipient == "" {
				log.Warnf("[Notify] ALERT_RECIPIENT not set, logging only: %s", a.subject)
				continue
			}
			if err := mail.SendMail(n.recipient, a.subject, a.body); err != nil {
				log.Errorf("[Notify] Failed to send alert %q: %v", a.subject, err)
			}
		}
	}
}

func alertBody(intro string, event *models.WebhookEvent) string {
	return fmt.Sprintf(
		"<p>%s</p>"+
			"<ul>"+
			"<li>Provider: %s</li>"+
			"<li>Event ID: %s</li>"+
			"<li>Status: %s</li>"+
			"<li>Retry count: %d</li>"+
			"<li>Last error: %s</li>"+
			"</ul>",
		intro, event.Provider, event.ProviderEventID, event.Status, event.RetryCount, event.LastError,
	)
}
