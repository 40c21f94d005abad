// Package recording turns a CRM call record into a fetchable audio URL.
package recording

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"crm-voice-sync/internal/apperr"
	"crm-voice-sync/internal/jsonwalk"
)

// searchDepth bounds the walk through telephony responses.
const searchDepth = 5

var (
	uuidPattern          = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`
	recordingUUIDPattern = regexp.MustCompile(`/recording/(` + uuidPattern + `)`)
	recordingAnyPattern  = regexp.MustCompile(`/recording/([^/?#\s]+)`)
	bareUUIDPattern      = regexp.MustCompile(uuidPattern)
	httpURLPattern       = regexp.MustCompile(`https?://[^\s"'<>\\]+`)

	// securedURLTiers ranks keys: a signed URL anywhere in the response beats
	// a recording URL, which beats a generic url/link such as an API self-link.
	securedURLTiers = [][]string{
		{"secure_url", "secured_url", "securedUrl", "secureUrl"},
		{"recording_url", "recordingUrl"},
		{"url", "link"},
	}
)

// RecordFetcher is the read half of the CRM client.
type RecordFetcher interface {
	GetRecord(ctx context.Context, recordID string) (map[string]any, error)
}

// RecordingLookup asks the telephony provider about a recording id.
type RecordingLookup interface {
	FetchRecording(ctx context.Context, id string) ([]byte, error)
}

type ResolverConfig struct {
	RecordingField string
	// ReauthDomains lists hosts whose URLs must go through the telephony provider.
	ReauthDomains []string
	Log           *logrus.Entry
}

type Resolver struct {
	records   RecordFetcher
	telephony RecordingLookup
	field     string
	reauth    []string
	log       *logrus.Entry
}

func NewResolver(records RecordFetcher, telephony RecordingLookup, cfg ResolverConfig) *Resolver {
	field := cfg.RecordingField
	if field == "" {
		field = "Voice_Recording"
	}
	reauth := make([]string, 0, len(cfg.ReauthDomains))
	for _, d := range cfg.ReauthDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			reauth = append(reauth, d)
		}
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Resolver{
		records:   records,
		telephony: telephony,
		field:     field,
		reauth:    reauth,
		log:       log.WithField("component", "recording-resolver"),
	}
}

// Resolve returns a fetchable URL for the recording attached to recordID.
func (r *Resolver) Resolve(ctx context.Context, recordID string) (string, error) {
	log := r.log.WithField("record_id", recordID)

	record, err := r.records.GetRecord(ctx, recordID)
	if err != nil {
		return "", apperr.Annotate(
			apperr.Resolution(err, fmt.Sprintf("could not load CRM record %s", recordID)),
			map[string]any{"provider": "crm"},
		)
	}
	ref := referenceFrom(record[r.field])
	if ref == "" {
		return "", apperr.Annotate(
			apperr.Resolution(nil, fmt.Sprintf("CRM record %s has no %s value", recordID, r.field)),
			map[string]any{"provider": "crm"},
		)
	}

	if r.directlyFetchable(ref) {
		log.Debug("recording reference is directly fetchable")
		return ref, nil
	}

	id, ok := ExtractID(ref)
	if !ok {
		return "", apperr.Annotate(
			apperr.Resolution(nil, "no recording identifier found in "+ref),
			map[string]any{"provider": "crm"},
		)
	}
	if r.telephony == nil {
		return "", apperr.Annotate(
			apperr.Resolution(nil, "recording needs a telephony lookup but no provider is configured"),
			map[string]any{"provider": "telephony"},
		)
	}

	body, err := r.telephony.FetchRecording(ctx, id)
	if err != nil {
		return "", apperr.Annotate(
			apperr.Resolution(err, "telephony lookup failed for recording "+id),
			map[string]any{"provider": "telephony"},
		)
	}
	secured, ok := SecuredURL(body)
	if !ok {
		return "", apperr.Annotate(
			apperr.Resolution(nil, "telephony response has no secured recording URL"),
			map[string]any{"provider": "telephony"},
		)
	}
	log.WithField("recording_id", id).Info("resolved secured recording url")
	return secured, nil
}

func (r *Resolver) directlyFetchable(ref string) bool {
	if !isHTTPURL(ref) {
		return false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range r.reauth {
		if host == d || strings.HasSuffix(host, "."+d) {
			return false
		}
	}
	return true
}

// ExtractID pulls a recording identifier out of ref. It prefers a UUID after
// /recording/, then any /recording/ segment, then a bare UUID.
func ExtractID(ref string) (string, bool) {
	if m := recordingUUIDPattern.FindStringSubmatch(ref); m != nil {
		return m[1], true
	}
	if m := recordingAnyPattern.FindStringSubmatch(ref); m != nil {
		return m[1], true
	}
	if m := bareUUIDPattern.FindString(ref); m != "" {
		return m, true
	}
	return "", false
}

// SecuredURL searches a telephony response for the secured fetch URL.
func SecuredURL(body []byte) (string, bool) {
	if root, err := jsonwalk.Parse(body); err == nil {
		matchers := make([]jsonwalk.Matcher, 0, len(securedURLTiers))
		for _, keys := range securedURLTiers {
			matchers = append(matchers, jsonwalk.KeyMatcher(isHTTPURL, keys...))
		}
		if found, ok := jsonwalk.FindRanked(root, searchDepth, matchers...); ok {
			return found, true
		}
	}
	// last resort: scan the raw payload, which also covers escaped JSON strings
	raw := strings.ReplaceAll(string(body), `\/`, `/`)
	if m := httpURLPattern.FindString(raw); m != "" {
		return m, true
	}
	return "", false
}

func referenceFrom(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
