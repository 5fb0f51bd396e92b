package notification

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/k3a/html2text"
	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/tphakala/offlinecache/internal/errors"
)

const defaultProviderTimeout = 10 * time.Second

// ShoutrrrProvider forwards notifications through shoutrrr service URLs such
// as ntfy://host/topic, telegram:// or discord://.
type ShoutrrrProvider struct {
	name    string
	enabled bool
	urls    []string
	timeout time.Duration

	mu     sync.Mutex
	sender *router.ServiceRouter
}

// NewShoutrrrProvider creates a provider. A zero timeout uses 10s.
func NewShoutrrrProvider(name string, enabled bool, urls []string, timeout time.Duration) *ShoutrrrProvider {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &ShoutrrrProvider{
		name:    name,
		enabled: enabled,
		urls:    urls,
		timeout: timeout,
	}
}

func (p *ShoutrrrProvider) GetName() string { return p.name }

func (p *ShoutrrrProvider) IsEnabled() bool { return p.enabled }

// ValidateConfig parses every URL and builds the sender.
func (p *ShoutrrrProvider) ValidateConfig() error {
	_, err := p.getSender()
	return err
}

func (p *ShoutrrrProvider) getSender() (*router.ServiceRouter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sender != nil {
		return p.sender, nil
	}
	if len(p.urls) == 0 {
		return nil, errors.Newf("provider %s has no service URLs", p.name).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Context("provider", p.name).
			Build()
	}
	sender, err := shoutrrr.CreateSender(p.urls...)
	if err != nil {
		return nil, errors.New(err).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Context("provider", p.name).
			Build()
	}
	p.sender = sender
	return sender, nil
}

// Send delivers n to every configured URL. The first delivery error is
// returned together with any others, joined.
func (p *ShoutrrrProvider) Send(ctx context.Context, n *Notification) error {
	sender, err := p.getSender()
	if err != nil {
		return err
	}

	message := formatMessage(n)
	params := types.Params{"title": n.Title}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan []error, 1)
	go func() {
		done <- sender.Send(message, &params)
	}()

	select {
	case errs := <-done:
		if err := errors.Join(errs...); err != nil {
			return errors.New(err).
				Component("notification").
				Category(errors.CategoryNotification).
				Context("provider", p.name).
				Build()
		}
		return nil
	case <-ctx.Done():
		return errors.New(ctx.Err()).
			Component("notification").
			Category(errors.CategoryNotification).
			Context("provider", p.name).
			Context("timeout", p.timeout.String()).
			Build()
	}
}

// formatMessage flattens an HTML body to plain text and appends the click
// target. Plain bodies pass through.
func formatMessage(n *Notification) string {
	body := n.Body
	if strings.ContainsAny(body, "<&") {
		body = html2text.HTML2Text(body)
	}
	body = strings.TrimSpace(body)
	if n.Data != "" && n.Data != "./" {
		body += "\n" + n.Data
	}
	return body
}
