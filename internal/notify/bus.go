package notify

import (
	"context"
	"strings"

	"github.com/1sec-project/accessguard/internal/core"
	"github.com/1sec-project/accessguard/internal/directory"
)

// Publisher is the subset of core.EventBus the bus notifier needs.
type Publisher interface {
	Publish(subject string, v interface{}) error
}

// BusNotifier publishes notifications on sec.notify.<severity> for external
// delivery workers.
type BusNotifier struct {
	pub Publisher
}

func NewBusNotifier(pub Publisher) *BusNotifier {
	return &BusNotifier{pub: pub}
}

type busNotification struct {
	Message    Message  `json:"message"`
	Recipients []string `json:"recipients"`
}

func (b *BusNotifier) NotifyAdmins(_ context.Context, admins []directory.User, msg Message) error {
	ids := make([]string, 0, len(admins))
	for _, a := range admins {
		ids = append(ids, a.ID)
	}
	subject := core.SubjectNotifications + "." + strings.ToLower(msg.Severity.String())
	return b.pub.Publish(subject, busNotification{Message: msg, Recipients: ids})
}
