// Package delivery sends finished results to the user. Delivery is best
// effort: each strategy is tried in turn and the last one, a link to the
// user's profile in the app, needs no file transfer at all.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/klingbot/internal/generation"
	"github.com/kelpejol/klingbot/internal/i18n"
	"github.com/kelpejol/klingbot/internal/metrics"
	"github.com/kelpejol/klingbot/internal/reconciler"
)

// DefaultProfileLink opens the user's profile in the mini app.
const DefaultProfileLink = "https://t.me/AiVerseAppBot?startapp=profile"

// Messenger is the chat transport.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendDocumentURL(ctx context.Context, chatID int64, fileURL, caption string) error
	SendDocument(ctx context.Context, chatID int64, filename string, data []byte, caption string) error
	SendVideo(ctx context.Context, chatID int64, filename string, data []byte, caption string) error
	SendLink(ctx context.Context, chatID int64, text, buttonText, link string) error
}

// Strategy names the way a result reached the user.
type Strategy string

const (
	StrategyDocumentURL    Strategy = "document_url"
	StrategyDocumentUpload Strategy = "document_upload"
	StrategyVideoUpload    Strategy = "video_upload"
	StrategyProfileLink    Strategy = "profile_link"
	StrategyNone           Strategy = "none"
)

type Options struct {
	HTTPClient      *http.Client
	ProfileLink     string
	MaxDownloadSize int64
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
}

// Deliverer sends results and failure notices through a Messenger.
type Deliverer struct {
	messenger   Messenger
	http        *http.Client
	profileLink string
	maxDownload int64
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

func NewDeliverer(m Messenger, opts Options) *Deliverer {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.ProfileLink == "" {
		opts.ProfileLink = DefaultProfileLink
	}
	if opts.MaxDownloadSize <= 0 {
		opts.MaxDownloadSize = 50 << 20 // bot API upload limit
	}
	return &Deliverer{
		messenger:   m,
		http:        opts.HTTPClient,
		profileLink: opts.ProfileLink,
		maxDownload: opts.MaxDownloadSize,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With().Str("component", "delivery").Logger(),
	}
}

// Deliver sends the artifact at resultURL. It reports whether the artifact
// itself arrived; a profile link alone counts as not delivered.
func (d *Deliverer) Deliver(ctx context.Context, chatID int64, generationID, lang, resultURL, caption string) (Strategy, bool) {
	log := d.logger.With().Str("generation_id", generationID).Int64("chat_id", chatID).Logger()

	strategy, delivered := d.deliver(ctx, chatID, generationID, lang, resultURL, caption, log)
	if d.metrics != nil {
		d.metrics.Deliveries.WithLabelValues(string(strategy)).Inc()
	}
	return strategy, delivered
}

func (d *Deliverer) deliver(ctx context.Context, chatID int64, generationID, lang, resultURL, caption string, log zerolog.Logger) (Strategy, bool) {
	err := d.messenger.SendText(ctx, chatID, caption)
	if err == nil {
		err = d.messenger.SendDocumentURL(ctx, chatID, resultURL, "")
	}
	if err == nil {
		log.Info().Msg("Delivered as document by URL")
		return StrategyDocumentURL, true
	}
	log.Warn().Err(err).Msg("Document by URL failed")

	data, err := d.download(ctx, resultURL)
	if err != nil {
		log.Error().Err(err).Msg("Result download failed")
	} else {
		log.Info().Int("bytes", len(data)).Msg("Result downloaded")
		filename := fmt.Sprintf("video_%s.mp4", generationID)

		err = d.messenger.SendDocument(ctx, chatID, filename, data, caption)
		if err == nil {
			log.Info().Msg("Delivered as uploaded document")
			return StrategyDocumentUpload, true
		}
		log.Warn().Err(err).Msg("Document upload failed")

		err = d.messenger.SendVideo(ctx, chatID, filename, data, caption)
		if err == nil {
			log.Info().Msg("Delivered as uploaded video")
			return StrategyVideoUpload, true
		}
		log.Warn().Err(err).Msg("Video upload failed")
	}

	log.Error().Msg("All delivery methods failed, sending profile link")
	text := i18n.T(lang, i18n.DeliveryFallback, d.profileLink)
	if err := d.messenger.SendLink(ctx, chatID, text, i18n.T(lang, i18n.OpenProfile), d.profileLink); err != nil {
		log.Error().Err(err).Msg("Profile link failed")
		return StrategyNone, false
	}
	return StrategyProfileLink, false
}

var errTooLarge = errors.New("result exceeds upload limit")

func (d *Deliverer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxDownload+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > d.maxDownload {
		return nil, errTooLarge
	}
	return data, nil
}

// GenerationSucceeded sends the result. Delivery failures are logged, not
// returned: the generation itself succeeded.
func (d *Deliverer) GenerationSucceeded(ctx context.Context, rec *generation.Record, late bool) error {
	key := i18n.GenerationDone
	if late {
		key = i18n.GenerationDoneLate
	}
	d.Deliver(ctx, rec.ChatID, rec.ID, rec.Language, rec.ResultURL, i18n.T(rec.Language, key))
	return nil
}

// GenerationFailed tells the user the generation failed. A failure raised
// by submission itself never reached the provider and gets the generic
// notice; every other failure carries the stored reason.
func (d *Deliverer) GenerationFailed(ctx context.Context, rec *generation.Record, refunded bool) error {
	text := i18n.T(rec.Language, i18n.GenerationFailed, rec.ErrorMessage)
	if reconciler.SourceFrom(ctx) == reconciler.SourceSubmit {
		text = i18n.T(rec.Language, i18n.SubmissionFailed)
	}
	if !refunded {
		d.logger.Warn().Str("generation_id", rec.ID).Msg("Failure notice sent without a confirmed refund")
	}
	if err := d.messenger.SendText(ctx, rec.ChatID, text); err != nil {
		return fmt.Errorf("send failure notice: %w", err)
	}
	return nil
}
