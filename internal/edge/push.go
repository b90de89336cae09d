package edge

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const (
	ActionExplore = "explore"
	ActionClose   = "close"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type NotificationData struct {
	DateOfArrival int64 `json:"dateOfArrival"`
	PrimaryKey    int   `json:"primaryKey"`
}

type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge"`
	Vibrate []int                `json:"vibrate"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// Notifier displays a notification to the user.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// WindowOpener focuses or opens a client window at url.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// Push turns a push payload into a notification. The payload is used verbatim
// as the body and is not verified.
func (s *Service) Push(ctx context.Context, payload []byte) (Notification, error) {
	body := string(payload)
	if body == "" {
		body = s.cfg.Push.DefaultBody
	}
	n := Notification{
		Title:   s.cfg.Push.Title,
		Body:    body,
		Icon:    s.cfg.Push.Icon,
		Badge:   s.cfg.Push.Badge,
		Vibrate: append([]int(nil), s.cfg.Push.Vibrate...),
		Data: NotificationData{
			DateOfArrival: s.now().UnixMilli(),
			PrimaryKey:    1,
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: "Explore"},
			{Action: ActionClose, Title: "Close"},
		},
	}
	if err := s.notifier.Show(ctx, n); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// NotificationClick handles a click on a notification action. Only explore
// opens a window; close and anything else just dismiss.
func (s *Service) NotificationClick(ctx context.Context, action string) error {
	if action != ActionExplore {
		return nil
	}
	return s.opener.OpenWindow(ctx, s.cfg.Push.OpenURL)
}

// logNotifier logs notifications and remembers the most recent ones.
type logNotifier struct {
	log zerolog.Logger
	max int

	mu     sync.Mutex
	recent []Notification
}

func newLogNotifier(log zerolog.Logger, max int) *logNotifier {
	return &logNotifier{log: log, max: max}
}

func (n *logNotifier) Show(_ context.Context, note Notification) error {
	n.log.Info().Str("title", note.Title).Str("body", note.Body).Msg("notification")
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recent = append(n.recent, note)
	if len(n.recent) > n.max {
		n.recent = append([]Notification(nil), n.recent[len(n.recent)-n.max:]...)
	}
	return nil
}

// Recent returns the remembered notifications, newest last.
func (n *logNotifier) Recent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.recent...)
}

type logOpener struct{ log zerolog.Logger }

func (o logOpener) OpenWindow(_ context.Context, url string) error {
	o.log.Info().Str("url", url).Msg("open window")
	return nil
}
