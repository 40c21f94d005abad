package crm

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"crm-voice-sync/internal/apperr"
)

// maxRetries is the retry budget on top of the first write, shared by all causes.
const maxRetries = 2

// RecordWriter is the write half of the CRM client.
type RecordWriter interface {
	UpdateRecord(ctx context.Context, recordID string, fields map[string]any) error
}

type Fields struct {
	Transcript string
	Analysis   string
}

// Updater writes transcripts back onto CRM records.
type Updater struct {
	writer RecordWriter
	tokens TokenSource
	fields Fields
	log    *logrus.Entry
}

func NewUpdater(writer RecordWriter, tokens TokenSource, fields Fields, log *logrus.Entry) *Updater {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Updater{
		writer: writer,
		tokens: tokens,
		fields: fields,
		log:    log.WithField("component", "crm-updater"),
	}
}

// Update writes transcript and, when non-empty, analysis. A rejected analysis
// field is retried once without it; an auth failure is retried once with a
// fresh token. Both draw from the same budget of two retries.
func (u *Updater) Update(ctx context.Context, recordID, transcript, analysis string) error {
	log := u.log.WithField("record_id", recordID)
	includeAnalysis := analysis != "" && u.fields.Analysis != ""
	droppedField := false
	refreshedToken := false
	attempt := 0

	op := func() error {
		attempt++
		fields := map[string]any{u.fields.Transcript: transcript}
		if includeAnalysis {
			fields[u.fields.Analysis] = analysis
		}

		err := u.writer.UpdateRecord(ctx, recordID, fields)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return backoff.Permanent(err)
		}
		switch {
		case includeAnalysis && !droppedField && apiErr.Mentions(u.fields.Analysis):
			log.WithField("attempt", attempt).Warn("crm rejected analysis field, retrying without it")
			includeAnalysis = false
			droppedField = true
			return err
		case apiErr.AuthFailure() && !refreshedToken:
			log.WithField("attempt", attempt).Warn("crm rejected access token, refreshing and retrying")
			u.tokens.Invalidate()
			refreshedToken = true
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		log.WithField("attempts", attempt).WithField("error", err.Error()).Error("crm update failed")
		return apperr.CRMUpdate(err, "failed to update CRM record")
	}
	log.WithFields(logrus.Fields{
		"attempts":      attempt,
		"with_analysis": includeAnalysis,
	}).Info("crm record updated")
	return nil
}
