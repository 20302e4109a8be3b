package contacts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/fieldqueue/internal/logging"
	"github.com/austindbirch/fieldqueue/internal/metrics"
	"github.com/austindbirch/fieldqueue/internal/tracing"
)

// Guard makes writes safe to replay: a second write for the same volunteer,
// voter and channel inside the window is acknowledged without a new row.
type Guard struct {
	log    Log
	window time.Duration
	now    func() time.Time
	logger *logging.Logger
}

func NewGuard(log Log, window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{
		log:    log,
		window: window,
		now:    time.Now,
		logger: logging.New("contacts"),
	}
}

func (g *Guard) Window() time.Duration { return g.window }

func (g *Guard) Record(ctx context.Context, c Contact) (Recorded, error) {
	ctx, span := tracing.StartSpan(ctx, "contacts.record",
		attribute.String("contact.channel", string(c.Channel)),
		attribute.String("contact.voter_id", c.VoterID),
	)
	defer span.End()

	if c.Volunteer == "" {
		return Recorded{}, ErrMissingVolunteer
	}
	if c.VoterID == "" {
		return Recorded{}, ErrMissingVoter
	}

	now := g.now().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}

	rec, err := g.log.InsertIfNotRecent(ctx, c, now.Add(-g.window))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Recorded{}, fmt.Errorf("record %s contact: %w", c.Channel, err)
	}

	span.SetAttributes(attribute.Bool("contact.duplicate", rec.Duplicate))
	metrics.RecordContact(string(c.Channel), rec.Duplicate)

	entry := g.logger.WithContext(ctx).WithVolunteer(c.Volunteer).WithVoter(c.VoterID).
		WithField("channel", c.Channel).
		WithField("contact_id", rec.ContactID)
	if rec.Duplicate {
		entry.Info("duplicate contact inside idempotency window")
	} else {
		entry.Debug("contact recorded")
	}
	return rec, nil
}
