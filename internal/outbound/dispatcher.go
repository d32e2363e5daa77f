package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wemp/internal/domain"
	"wemp/internal/metrics"

	"github.com/google/uuid"
)

// Config configures a Dispatcher. Zero values take the package defaults;
// a negative ChunkDelay disables the pause between chunks.
type Config struct {
	Sender                 domain.Sender
	TextLimit              int
	PunctuationSearchRange int
	ChunkDelay             time.Duration
	MaxImages              int
	Logger                 *slog.Logger
}

// Dispatcher delivers text and images to one user at a time, in order.
type Dispatcher struct {
	sender      domain.Sender
	textLimit   int
	searchRange int
	chunkDelay  time.Duration
	maxImages   int
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.TextLimit <= 0 {
		cfg.TextLimit = DefaultTextLimit
	}
	if cfg.PunctuationSearchRange <= 0 {
		cfg.PunctuationSearchRange = DefaultPunctuationSearchRange
	}
	switch {
	case cfg.ChunkDelay == 0:
		cfg.ChunkDelay = DefaultChunkDelay
	case cfg.ChunkDelay < 0:
		cfg.ChunkDelay = 0
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = DefaultMaxImages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		sender:      cfg.Sender,
		textLimit:   cfg.TextLimit,
		searchRange: cfg.PunctuationSearchRange,
		chunkDelay:  cfg.ChunkDelay,
		maxImages:   cfg.MaxImages,
		logger:      cfg.Logger,
	}
}

// Sender returns the underlying sender.
func (d *Dispatcher) Sender() domain.Sender { return d.sender }

// SendText splits text and sends the chunks one by one, pausing between them.
// Delivery stops at the first failed chunk; the error is a *domain.DeliveryError.
// Blank chunks are skipped. The returned id identifies the reply in logs.
func (d *Dispatcher) SendText(ctx context.Context, accountID, openID, text string) (string, error) {
	chunks := SplitMessage(text, d.textLimit, d.searchRange)
	messageID := "wemp-" + uuid.NewString()

	sent := 0
	for i, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if sent > 0 && d.chunkDelay > 0 {
			if err := sleep(ctx, d.chunkDelay); err != nil {
				return "", &domain.DeliveryError{Chunk: i, Total: len(chunks), Err: err}
			}
		}
		if err := d.sender.SendText(ctx, accountID, openID, chunk); err != nil {
			metrics.DeliveryFailures.Inc()
			d.logger.Warn("text delivery failed",
				"account_id", accountID,
				"open_id", openID,
				"chunk", i+1,
				"chunks", len(chunks),
				"error", err,
			)
			return "", &domain.DeliveryError{Chunk: i, Total: len(chunks), Err: err}
		}
		metrics.ChunksSent.Inc()
		sent++
	}

	d.logger.Debug("text delivered", "account_id", accountID, "open_id", openID, "message_id", messageID, "chunks", sent)
	return messageID, nil
}

// SendImages sends up to the configured maximum of images, one at a time.
// Failures are logged and skipped. It returns the number delivered.
func (d *Dispatcher) SendImages(ctx context.Context, accountID, openID string, urls []string) int {
	if len(urls) > d.maxImages {
		d.logger.Info("too many images, extra ones dropped",
			"account_id", accountID, "open_id", openID, "images", len(urls), "max", d.maxImages)
		urls = urls[:d.maxImages]
	}

	delivered := 0
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		if err := d.sender.SendImage(ctx, accountID, openID, u); err != nil {
			metrics.DeliveryFailures.Inc()
			d.logger.Warn("image delivery failed",
				"account_id", accountID, "open_id", openID, "url", logURL(u), "error", err)
			continue
		}
		metrics.ImagesSent.Inc()
		delivered++
	}
	return delivered
}

// SendTyping shows a typing indicator if the sender supports it.
func (d *Dispatcher) SendTyping(ctx context.Context, accountID, openID string) error {
	ts, ok := d.sender.(domain.TypingSender)
	if !ok {
		return nil
	}
	if err := ts.SendTyping(ctx, accountID, openID); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// logURL keeps data URLs out of the logs.
func logURL(u string) string {
	if len(u) > 64 {
		return u[:64] + "..."
	}
	return u
}
