package paymentsmarble

import (
	"context"
	"sync"
	"time"

	"github.com/Asupkay/vibe-platform/internal/httputil"
	"github.com/Asupkay/vibe-platform/internal/logging"
)

const (
	notifyPath    = "/api/messages/send"
	notifyTimeout = 5 * time.Second
)

// Notifier delivers a system message to a user. Delivery is best effort and
// never blocks or fails the payment that triggered it.
type Notifier interface {
	Notify(ctx context.Context, to, text string)
}

// NopNotifier drops every message.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) {}

type notification struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// MessageNotifier posts to the messaging service.
type MessageNotifier struct {
	client *httputil.ServiceClient
	logger *logging.Logger
	wg     sync.WaitGroup
}

// NewMessageNotifier creates a notifier for the messaging service at baseURL.
func NewMessageNotifier(baseURL, token string, logger *logging.Logger) *MessageNotifier {
	if logger == nil {
		logger = logging.Default(ServiceID)
	}
	return &MessageNotifier{
		client: httputil.NewServiceClient(httputil.ServiceClientConfig{
			BaseURL:    baseURL,
			Token:      token,
			Timeout:    notifyTimeout,
			MaxRetries: 1,
		}),
		logger: logger,
	}
}

// Notify sends in the background. The request keeps ctx's values (trace id) but
// not its cancellation, so it outlives the HTTP request that triggered it.
func (n *MessageNotifier) Notify(ctx context.Context, to, text string) {
	msg := notification{From: "system", To: "@" + trimAt(to), Text: text}
	bg := context.WithoutCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(bg, notifyTimeout)
		defer cancel()

		if err := n.send(sendCtx, msg); err != nil {
			n.logger.WithContext(bg).WithError(err).WithField("to", msg.To).Warn("notification failed")
		}
	}()
}

func (n *MessageNotifier) send(ctx context.Context, msg notification) error {
	resp, err := n.client.Post(ctx, notifyPath, msg)
	if err != nil {
		return err
	}
	return httputil.DecodeResponse(resp, nil)
}

// Wait blocks until in-flight notifications finish.
func (n *MessageNotifier) Wait() {
	n.wg.Wait()
}
