// Package remote is the typed API surface over the segment, campaign, and
// metrics services. It owns URL construction, request/response shapes, and
// the one-shot auth-refresh retry; retry/backoff within a single call lives
// in internal/client.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"segforge/internal/client"
	"segforge/internal/segment"
	"segforge/internal/session"
)

// Hosts are the three service base URLs, e.g. "https://segments.example.com".
type Hosts struct {
	Segment  string
	Campaign string
	Metrics  string
}

// Service executes the remote operations the pipeline needs. All calls go
// through authRetry: an auth failure triggers exactly one provider refresh
// and one replay before the error is surfaced.
type Service struct {
	hosts    Hosts
	client   *client.Client
	provider *session.Provider
	log      *zap.Logger

	// TZOffsetHours rides along on every segment-service payload.
	TZOffsetHours int
}

func NewService(hosts Hosts, c *client.Client, p *session.Provider, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{hosts: hosts, client: c, provider: p, log: log}
}

// authRetry runs call with a fresh handle clone; on an auth failure it
// refreshes the session once and replays once.
func (s *Service) authRetry(ctx context.Context, call func(*session.Handle) (*client.Response, error)) (*client.Response, error) {
	h, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := call(h)
	if err == nil || !client.IsAuth(err) {
		return resp, err
	}
	s.log.Warn("auth failure, refreshing session once")
	h, err = s.provider.Refresh(ctx, h)
	if err != nil {
		return nil, err
	}
	return call(h)
}

func (s *Service) segmentReferer(id int64) string {
	return fmt.Sprintf("%s/segment?id=%d", s.hosts.Segment, id)
}

// WarmUp primes the server-side session the way the web UI would before
// segment reads. Failures are ignored.
func (s *Service) WarmUp(ctx context.Context, id int64) {
	u := s.segmentReferer(id)
	_, err := s.authRetry(ctx, func(h *session.Handle) (*client.Response, error) {
		return s.client.Do(ctx, h, client.Request{
			Method: http.MethodGet, URL: u, Referer: u, Timeout: 10 * time.Second,
		})
	})
	if err != nil {
		s.log.Debug("warm-up skipped", zap.Int64("segment_id", id), zap.Error(err))
	}
}

func (s *Service) postSegmentJSON(ctx context.Context, path string, refererID int64, payload, out any) error {
	resp, err := s.authRetry(ctx, func(h *session.Handle) (*client.Response, error) {
		return s.client.Do(ctx, h, client.Request{
			Method:  http.MethodPost,
			URL:     s.hosts.Segment + path,
			Body:    payload,
			Referer: s.segmentReferer(refererID),
		})
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.JSON(out)
}

// LoadLatestVersion returns the newest query version of a definition,
// falling back to scanning the version list when the direct endpoint does
// not answer.
func (s *Service) LoadLatestVersion(ctx context.Context, id int64) (int, error) {
	var direct struct {
		Version *int `json:"version"`
	}
	err := s.postSegmentJSON(ctx, "/request/loadLatestQueryVersion", id,
		map[string]any{"id": id, "timeZoneOffset": s.TZOffsetHours}, &direct)
	if err == nil && direct.Version != nil {
		return *direct.Version, nil
	}
	if err != nil && !client.IsClass(err, client.ClassParse) {
		s.log.Debug("latest-version endpoint failed, scanning versions",
			zap.Int64("segment_id", id), zap.Error(err))
	}

	var list struct {
		Versions []struct {
			Version int `json:"version"`
		} `json:"versions"`
	}
	if err := s.postSegmentJSON(ctx, "/request/loadSegmentVersions", id,
		map[string]any{"id": id, "limit": 250, "timeZoneOffset": s.TZOffsetHours}, &list); err != nil {
		return 0, fmt.Errorf("load versions of %d: %w", id, err)
	}
	best := -1
	for _, v := range list.Versions {
		if v.Version > best {
			best = v.Version
		}
	}
	if best < 0 {
		return 0, &client.Error{Class: client.ClassParse, Snippet: fmt.Sprintf("segment %d has no versions", id)}
	}
	return best, nil
}

// LoadDefinition fetches one query version and maps it into the domain
// definition. The raw document is returned alongside so CreateDefinition can
// carry over fields the transformation never touches.
func (s *Service) LoadDefinition(ctx context.Context, id int64, version int) (*segment.Definition, *RawQuery, error) {
	var raw RawQuery
	if err := s.postSegmentJSON(ctx, "/request/loadQuery", id, map[string]any{
		"id": id, "version": version, "editMode": false, "timeZoneOffset": s.TZOffsetHours,
	}, &raw); err != nil {
		return nil, nil, fmt.Errorf("load query %d v%d: %w", id, version, err)
	}

	def := &segment.Definition{
		ID:           id,
		Version:      version,
		MarketID:     raw.Basic.MarketplaceID,
		Name:         raw.Name,
		Rules:        raw.Basic.Rules,
		Query:        raw.QueryString,
		Realtime:     boolOr(raw.Realtime, true),
		Asap:         raw.Asap,
		Website:      raw.Website,
		Email:        boolOr(raw.Email, true),
		Secured:      raw.Secured,
		Confidential: raw.Confidential,
	}
	if raw.AdvancedOptions != nil {
		def.Advanced = *raw.AdvancedOptions
	}
	return def, &raw, nil
}

// RawQuery keeps the untyped parts of a loadQuery response so clones carry
// them through unchanged.
type RawQuery struct {
	Type  json.RawMessage `json:"type"`
	Basic struct {
		MarketplaceID int               `json:"marketplaceId"`
		Rules         *segment.RuleNode `json:"rules"`
	} `json:"basic"`
	Name            string                   `json:"name"`
	QueryString     string                   `json:"queryString"`
	AdvancedOptions *segment.AdvancedOptions `json:"advancedOptions"`
	Realtime        *bool                    `json:"realtime"`
	Asap            bool                     `json:"asap"`
	AsapUnsafe      bool                     `json:"asapUnsafe"`
	Website         bool                     `json:"website"`
	Email           *bool                    `json:"email"`
	Secured         bool                     `json:"secured"`
	Confidential    bool                     `json:"confidential"`
	Alarms          json.RawMessage          `json:"alarms"`
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// SegmentMeta is what the approval pipeline needs to know about a
// definition before uploading it.
type SegmentMeta struct {
	CurrentVersion int
	MarketID       int
	OwnerName      string
	CreatedBy      string
}

var marketplaceInMeta = regexp.MustCompile(`"marketplaceId"\s*:\s*(\d+)`)

// LoadSegmentMeta resolves the current version and market of a definition.
// The market rides inside a metadata blob that is sometimes double-encoded
// JSON; a regex scan is the fallback when it is not.
func (s *Service) LoadSegmentMeta(ctx context.Context, id int64) (*SegmentMeta, error) {
	var raw struct {
		Segment struct {
			CurrentVersion json.Number `json:"currentVersion"`
			Owner          *struct {
				Name string `json:"name"`
			} `json:"owner"`
			CreatedBy string `json:"createdBy"`
		} `json:"segment"`
		QueryVersionInfo struct {
			QueryMetadata json.RawMessage `json:"queryMetadata"`
		} `json:"queryVersionInfo"`
	}
	if err := s.postSegmentJSON(ctx, "/request/loadSegment", id,
		map[string]any{"id": id, "timeZoneOffset": s.TZOffsetHours}, &raw); err != nil {
		return nil, fmt.Errorf("load segment %d: %w", id, err)
	}

	meta := &SegmentMeta{CreatedBy: raw.Segment.CreatedBy}
	if raw.Segment.Owner != nil {
		meta.OwnerName = raw.Segment.Owner.Name
	}
	if v, err := raw.Segment.CurrentVersion.Int64(); err == nil {
		meta.CurrentVersion = int(v)
	}
	meta.MarketID = marketFromMetadata(raw.QueryVersionInfo.QueryMetadata)
	return meta, nil
}

func marketFromMetadata(blob json.RawMessage) int {
	if len(blob) == 0 {
		return 0
	}
	// The blob is either an object or a JSON string holding an object.
	var obj struct {
		MarketplaceID int `json:"marketplaceId"`
	}
	if err := json.Unmarshal(blob, &obj); err == nil && obj.MarketplaceID != 0 {
		return obj.MarketplaceID
	}
	var nested string
	if err := json.Unmarshal(blob, &nested); err == nil {
		if err := json.Unmarshal([]byte(nested), &obj); err == nil && obj.MarketplaceID != 0 {
			return obj.MarketplaceID
		}
		if m := marketplaceInMeta.FindStringSubmatch(nested); m != nil {
			id, _ := strconv.Atoi(m[1])
			return id
		}
	}
	if m := marketplaceInMeta.FindStringSubmatch(string(blob)); m != nil {
		id, _ := strconv.Atoi(m[1])
		return id
	}
	return 0
}

// CreateResult is the acknowledged identity of a freshly created definition.
type CreateResult struct {
	NewID int64
}

// CreateDefinition publishes a new definition. The response id key varies
// ("id", "segmentId", "newId"); each is accepted.
func (s *Service) CreateDefinition(ctx context.Context, payload map[string]any, sourceID int64, version int, destination, usageCategory string) (*CreateResult, error) {
	referer := fmt.Sprintf("%s/query?id=%d&version=%d&favorite=n&dst=%s&usgCategory=%s",
		s.hosts.Segment, sourceID, version, destination, usageCategory)
	resp, err := s.authRetry(ctx, func(h *session.Handle) (*client.Response, error) {
		return s.client.Do(ctx, h, client.Request{
			Method:  http.MethodPost,
			URL:     s.hosts.Segment + "/request/createSegment",
			Body:    payload,
			Referer: referer,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create segment from %d: %w", sourceID, err)
	}

	var ack struct {
		ID        json.Number `json:"id"`
		SegmentID json.Number `json:"segmentId"`
		NewID     json.Number `json:"newId"`
	}
	if err := resp.JSON(&ack); err != nil {
		return nil, err
	}
	for _, n := range []json.Number{ack.ID, ack.SegmentID, ack.NewID} {
		if v, err := n.Int64(); err == nil && v > 0 {
			return &CreateResult{NewID: v}, nil
		}
	}
	return nil, &client.Error{Class: client.ClassParse, Status: resp.Status,
		Snippet: "create response carried no new id: " + resp.Snippet()}
}

// UploadToTarget attaches a definition version to a destination campaign.
func (s *Service) UploadToTarget(ctx context.Context, definitionID int64, version, marketID int, campaignID int64) error {
	q := url.Values{}
	q.Set("bullseyeSegmentId", strconv.FormatInt(definitionID, 10))
	q.Set("bullseyeCurrentVersion", strconv.Itoa(version))
	q.Set("bullseyeWaitForNewestVersion", "false")
	q.Set("marketplaceId", strconv.Itoa(marketID))
	q.Set("targetingLoadType", "ADD")

	_, err := s.authRetry(ctx, func(h *session.Handle) (*client.Response, error) {
		return s.client.Do(ctx, h, client.Request{
			Method:  http.MethodPost,
			URL:     fmt.Sprintf("%s/ajax/campaign/%d/targeting/bullseyeSegments", s.hosts.Campaign, campaignID),
			Query:   q,
			Referer: s.hosts.Campaign + "/",
		})
	})
	if err != nil {
		return fmt.Errorf("upload definition %d to campaign %d: %w", definitionID, campaignID, err)
	}
	return nil
}

// approvalPaths are tried in order: the secondary path serves campaigns the
// backend migrated to the recipients model.
func (s *Service) approvalPaths(campaignID int64) [2]string {
	return [2]string{
		fmt.Sprintf("%s/ajax/campaign/%d/approvalRequest", s.hosts.Campaign, campaignID),
		fmt.Sprintf("%s/ajax/campaign/%d/recipients/approvalRequest", s.hosts.Campaign, campaignID),
	}
}

func (s *Service) putApproval(ctx context.Context, campaignID int64, marketID int, status string, extra url.Values) error {
	q := url.Values{}
	q.Set("marketplaceId", strconv.Itoa(marketID))
	q.Set("status", status)
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}

	var lastErr error
	for _, path := range s.approvalPaths(campaignID) {
		_, err := s.authRetry(ctx, func(h *session.Handle) (*client.Response, error) {
			return s.client.Do(ctx, h, client.Request{
				Method:  http.MethodPut,
				URL:     path,
				Query:   q,
				Referer: s.hosts.Campaign + "/",
			})
		})
		if err == nil {
			return nil
		}
		lastErr = err
		// Only a not-found / wrong-model class of rejection warrants the
		// fallback path; anything else is final.
		if !fallbackWorthy(err) {
			return fmt.Errorf("approval %s for campaign %d: %w", status, campaignID, err)
		}
	}
	return fmt.Errorf("approval %s for campaign %d: %w", status, campaignID, lastErr)
}

func fallbackWorthy(err error) bool {
	var e *client.Error
	if !errors.As(err, &e) || e.Class != client.ClassPermanent {
		return false
	}
	switch e.Status {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusBadRequest, http.StatusConflict:
		return true
	}
	return false
}

// RequestReview moves a campaign's pending recipients to PENDING review,
// optionally naming a reviewer.
func (s *Service) RequestReview(ctx context.Context, campaignID int64, marketID int, reviewer string) error {
	extra := url.Values{}
	if reviewer != "" {
		extra.Set("requestedReviewer", reviewer)
	}
	return s.putApproval(ctx, campaignID, marketID, "PENDING", extra)
}

// Approve flips the campaign's review request to APPROVED.
func (s *Service) Approve(ctx context.Context, campaignID int64, marketID int) error {
	return s.putApproval(ctx, campaignID, marketID, "APPROVED", nil)
}

// IngestionMetrics is the market-agnostic submitted/succeeded snapshot used
// by the sentinel barrier.
type IngestionMetrics struct {
	UnapprovedSubmitted float64
	UnapprovedSuccess   float64
	Submitted           float64
	Success             float64
}

// LoadIngestionMetrics reads the recipient ingestion counters for a
// campaign.
func (s *Service) LoadIngestionMetrics(ctx context.Context, campaignID int64) (*IngestionMetrics, error) {
	q := url.Values{}
	for _, t := range []string{
		"UNAPPROVED_RECIPIENTS_SUBMITTED",
		"UNAPPROVED_RECIPIENTS_SUCCESS",
		"RECIPIENTS_SUBMITTED",
		"RECIPIENTS_SUCCESS",
	} {
		q.Add("recipientMetricTypeList[]", t)
	}
	resp, err := s.authRetry(ctx, func(h *session.Handle) (*client.Response, error) {
		return s.client.Do(ctx, h, client.Request{
			Method:  http.MethodGet,
			URL:     fmt.Sprintf("%s/campaigns/%d/recipientMetricsSummary", s.hosts.Metrics, campaignID),
			Query:   q,
			Referer: s.hosts.Campaign + "/",
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ingestion metrics for campaign %d: %w", campaignID, err)
	}

	var raw struct {
		CampaignRecipientMetrics []struct {
			Type  string      `json:"type"`
			Value json.Number `json:"value"`
		} `json:"campaignRecipientMetrics"`
	}
	if err := resp.JSON(&raw); err != nil {
		return nil, err
	}
	out := &IngestionMetrics{}
	for _, m := range raw.CampaignRecipientMetrics {
		v, _ := m.Value.Float64()
		switch m.Type {
		case "UNAPPROVED_RECIPIENTS_SUBMITTED":
			out.UnapprovedSubmitted = v
		case "UNAPPROVED_RECIPIENTS_SUCCESS":
			out.UnapprovedSuccess = v
		case "RECIPIENTS_SUBMITTED":
			out.Submitted = v
		case "RECIPIENTS_SUCCESS":
			out.Success = v
		}
	}
	return out, nil
}

// ApprovalMetrics is the post-approval verification snapshot.
type ApprovalMetrics struct {
	ApprovedCount int
	UploadedCount int
}

func (m ApprovalMetrics) String() string {
	return fmt.Sprintf("{approvedCount:%d uploadedCount:%d}", m.ApprovedCount, m.UploadedCount)
}

// LoadApprovalMetrics reads the per-market approved/uploaded counters.
func (s *Service) LoadApprovalMetrics(ctx context.Context, campaignID int64, marketID int, requester string) (*ApprovalMetrics, error) {
	q := url.Values{}
	q.Set("marketplaceId", strconv.Itoa(marketID))
	if requester != "" {
		q.Set("requester", requester)
	}
	resp, err := s.authRetry(ctx, func(h *session.Handle) (*client.Response, error) {
		return s.client.Do(ctx, h, client.Request{
			Method:  http.MethodGet,
			URL:     fmt.Sprintf("%s/campaigns/%d/metricsSummary", s.hosts.Metrics, campaignID),
			Query:   q,
			Referer: s.hosts.Campaign + "/",
		})
	})
	if err != nil {
		return nil, fmt.Errorf("approval metrics for campaign %d: %w", campaignID, err)
	}

	var raw struct {
		Approved json.Number `json:"approvedRecipientsCount"`
		Uploaded json.Number `json:"uploadedRecipientsCount"`
	}
	if err := resp.JSON(&raw); err != nil {
		return nil, err
	}
	out := &ApprovalMetrics{}
	if v, err := raw.Approved.Float64(); err == nil {
		out.ApprovedCount = int(v)
	}
	if v, err := raw.Uploaded.Float64(); err == nil {
		out.UploadedCount = int(v)
	}
	return out, nil
}
