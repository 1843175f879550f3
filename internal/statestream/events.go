package statestream

import (
	"context"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// EventListener listens for Postgres LISTEN/NOTIFY events and forwards
// them to a Broadcaster, generalized from the teacher's trade-closed/
// position-opened channel set to this system's forecast/paper/training
// event channels.
type EventListener struct {
	dbURL       string
	logger      *zap.Logger
	broadcaster *Broadcaster
	channels    []string
	shutdown    chan struct{}
}

// DefaultChannels are the Postgres NOTIFY channels the listener subscribes
// to. No code in this module issues NOTIFY on them; the engines reach the
// Broadcaster directly through the TrainerReporter/PaperReporter adapters,
// so these channels carry only what an external publisher sends.
var DefaultChannels = []string{
	"forecast_ready",
	"training_epoch",
	"paper_snapshot",
	"paper_trade",
}

// NewEventListener creates an EventListener over channels (defaults to
// DefaultChannels when nil).
func NewEventListener(dbURL string, broadcaster *Broadcaster, logger *zap.Logger, channels []string) *EventListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if channels == nil {
		channels = DefaultChannels
	}
	return &EventListener{dbURL: dbURL, logger: logger, broadcaster: broadcaster, channels: channels, shutdown: make(chan struct{})}
}

// Start begins listening for database notifications in a goroutine.
func (el *EventListener) Start(ctx context.Context) {
	go el.listenLoop(ctx)
}

func (el *EventListener) listenLoop(ctx context.Context) {
	defer el.logger.Info("event listener shutting down")

	minRetryDelay := 100 * time.Millisecond
	maxRetryDelay := 10 * time.Second
	retryDelay := minRetryDelay

	for {
		select {
		case <-ctx.Done():
			return
		case <-el.shutdown:
			return
		default:
		}

		listener := pq.NewListener(el.dbURL, minRetryDelay, maxRetryDelay, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				el.logger.Warn("listener event error", zap.Error(err))
			}
		})

		if err := el.setupListeners(listener); err != nil {
			el.logger.Error("failed to set up listeners", zap.Error(err))
			listener.Close()
			time.Sleep(maxRetryDelay)
			continue
		}
		retryDelay = minRetryDelay

		if err := el.handleNotifications(ctx, listener); err != nil {
			el.logger.Warn("notification handling ended", zap.Error(err))
		}
		listener.Close()

		select {
		case <-ctx.Done():
			return
		case <-el.shutdown:
			return
		default:
			time.Sleep(retryDelay)
		}
	}
}

func (el *EventListener) setupListeners(listener *pq.Listener) error {
	for _, channel := range el.channels {
		if err := listener.Listen(channel); err != nil {
			return err
		}
		el.logger.Info("listening on channel", zap.String("channel", channel))
	}
	return nil
}

func (el *EventListener) handleNotifications(ctx context.Context, listener *pq.Listener) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-el.shutdown:
			return nil
		case notification := <-listener.Notify:
			if notification == nil {
				return nil
			}
			el.logger.Debug("notification received", zap.String("channel", notification.Channel), zap.String("payload", notification.Extra))
			el.broadcaster.Broadcast(Message{
				Type:      EventType(notification.Channel),
				Data:      map[string]interface{}{"event": notification.Extra},
				Timestamp: time.Now().Format(time.RFC3339),
			})
		}
	}
}

// Stop stops the event listener.
func (el *EventListener) Stop() {
	close(el.shutdown)
}
