// Package approval drives uploaded definitions through the remote
// review-and-approval gate: upload, one sentinel wait for ingestion
// evidence, then review, approve, and metric-verified completion per job.
package approval

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// State is a job's position in the approval lifecycle. Transitions only
// move forward; Failed is terminal from anywhere.
type State int

const (
	StatePending State = iota // not yet uploaded
	StateUploaded
	StatePendingReview
	StateApproved
	StateVerified
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateUploaded:
		return "UPLOADED"
	case StatePendingReview:
		return "PENDING_REVIEW"
	case StateApproved:
		return "APPROVED"
	case StateVerified:
		return "VERIFIED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Job is one definition on its way into one destination campaign.
type Job struct {
	DefinitionID int64
	CampaignRef  string // raw id or campaign URL as given by the caller
	CampaignID   int64
	// MarketID is resolved in phase 1; a market parsed out of the campaign
	// URL wins over the definition's own market.
	MarketID      int
	marketFromRef bool
	Version       int

	State State
	// Diag holds the last human-readable diagnostic: an error, or the last
	// metrics snapshot when verification ran out of budget.
	Diag string
}

func (j *Job) fail(diag string) {
	j.State = StateFailed
	j.Diag = diag
}

var (
	campaignInPath = regexp.MustCompile(`/(?:campaigns|programs)/(\d+)`)
	marketInHash   = regexp.MustCompile(`#/(\d+)/(?:campaigns|programs)/\d+`)
	longDigits     = regexp.MustCompile(`\b(\d{6,})\b`)
)

// ParseCampaignRef accepts a bare campaign id or a campaign URL
// ("…#/<market>/campaigns/<id>") and returns the id plus the market id
// embedded in the URL (0 when absent).
func ParseCampaignRef(ref string) (campaignID int64, marketID int, err error) {
	s := strings.TrimSpace(ref)
	if s == "" {
		return 0, 0, fmt.Errorf("empty campaign reference")
	}
	if id, convErr := strconv.ParseInt(s, 10, 64); convErr == nil {
		return id, 0, nil
	}
	if m := marketInHash.FindStringSubmatch(s); m != nil {
		marketID, _ = strconv.Atoi(m[1])
	}
	if m := campaignInPath.FindStringSubmatch(s); m != nil {
		campaignID, _ = strconv.ParseInt(m[1], 10, 64)
		return campaignID, marketID, nil
	}
	if m := longDigits.FindStringSubmatch(s); m != nil {
		campaignID, _ = strconv.ParseInt(m[1], 10, 64)
		return campaignID, marketID, nil
	}
	return 0, 0, fmt.Errorf("cannot parse campaign id from %q", ref)
}

// NewJob builds a job from a definition id and a campaign reference.
func NewJob(definitionID int64, campaignRef string) (*Job, error) {
	cid, mp, err := ParseCampaignRef(campaignRef)
	if err != nil {
		return nil, err
	}
	return &Job{
		DefinitionID:  definitionID,
		CampaignRef:   campaignRef,
		CampaignID:    cid,
		MarketID:      mp,
		marketFromRef: mp != 0,
	}, nil
}
