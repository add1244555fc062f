// Package notification sends a periodic digest of overdue relances through
// shoutrrr service URLs.
package notification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
)

const (
	// maxDigestLines caps the body; the remainder is summarized in one line.
	maxDigestLines = 50
	digestTimeout  = 2 * time.Minute
)

// Sender delivers a message. *router.ServiceRouter implements it.
type Sender interface {
	Send(message string, params *types.Params) []error
}

// OverdueSource lists pending relances due before now.
type OverdueSource interface {
	FindOverdue(ctx context.Context, now time.Time) ([]entities.Relance, error)
}

// NewSender creates a shoutrrr router for urls.
func NewSender(urls []string) (Sender, error) {
	if len(urls) == 0 {
		return nil, errors.Newf(errors.CategoryConfiguration, "no notification url configured")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "invalid notification url")
	}
	return sender, nil
}

// Digest summarizes overdue relances.
type Digest struct {
	source OverdueSource
	sender Sender
	log    logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDigest creates a digest.
func NewDigest(source OverdueSource, sender Sender, log logger.Logger) *Digest {
	return &Digest{source: source, sender: sender, log: log.Named("digest"), now: time.Now}
}

// Build renders the digest. It returns an empty body when nothing is overdue.
func (d *Digest) Build(ctx context.Context) (title, body string, count int, err error) {
	now := d.now().UTC()
	overdue, err := d.source.FindOverdue(ctx, now)
	if err != nil {
		return "", "", 0, errors.Wrap(err, errors.CategoryTransient, "failed to load overdue relances")
	}
	if len(overdue) == 0 {
		return "", "", 0, nil
	}

	sort.SliceStable(overdue, func(i, j int) bool {
		pi, pj := priorityRank(overdue[i].Priority), priorityRank(overdue[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return overdue[i].DueAt.Before(overdue[j].DueAt)
	})

	var b strings.Builder
	for i := range overdue {
		if i == maxDigestLines {
			fmt.Fprintf(&b, "… and %d more\n", len(overdue)-maxDigestLines)
			break
		}
		b.WriteString(formatLine(&overdue[i], now))
		b.WriteByte('\n')
	}

	title = fmt.Sprintf("%d overdue relance", len(overdue))
	if len(overdue) > 1 {
		title += "s"
	}
	return title, strings.TrimRight(b.String(), "\n"), len(overdue), nil
}

func formatLine(r *entities.Relance, now time.Time) string {
	name := r.EntityName
	if name == "" {
		name = r.EntityType + "/" + r.EntityID
	}
	late := int(now.Sub(r.DueAt).Hours() / 24)
	return fmt.Sprintf("[%s] %s: %s (due %s, %d d late)",
		r.Priority, name, r.Label, r.DueAt.Format("2006-01-02"), late)
}

func priorityRank(p string) int {
	switch p {
	case "high":
		return 2
	case "medium":
		return 1
	default:
		return 0
	}
}

// Send builds and delivers the digest. Nothing is sent when no relance is overdue.
func (d *Digest) Send(ctx context.Context) error {
	title, body, count, err := d.Build(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		d.log.Debug("no overdue relances, digest skipped")
		return nil
	}

	params := types.Params{"title": title}
	if errs := d.sender.Send(body, &params); len(errs) > 0 {
		var failed []error
		for _, e := range errs {
			if e != nil {
				failed = append(failed, e)
			}
		}
		if len(failed) > 0 {
			return errors.Wrap(errors.Join(failed...), errors.CategoryTransient, "failed to deliver digest")
		}
	}
	d.log.Info("overdue digest sent", logger.Int("overdue", count))
	return nil
}

// Start sends the digest every interval until Stop. A non-positive interval
// disables it.
func (d *Digest) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopCh != nil {
		return
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), digestTimeout)
				if err := d.Send(ctx); err != nil {
					d.log.Warn("overdue digest failed", logger.Error(err))
				}
				cancel()
			}
		}
	}(d.stopCh, d.doneCh)
}

// Stop halts the periodic digest and waits for an in-flight send.
func (d *Digest) Stop() {
	d.mu.Lock()
	stop, done := d.stopCh, d.doneCh
	d.stopCh, d.doneCh = nil, nil
	d.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
