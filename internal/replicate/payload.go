package replicate

import (
	"segforge/internal/segment"
)

// Fixed create-call policy. These mirror what the web UI sends when a user
// clicks "publish now" with the email destination.
const (
	notifyLevel  = "NOTIFY_NONE"
	requesterLOB = "STORES"
)

var destinations = []string{"EMAIL"}

// buildCreatePayload assembles the createSegment body from a (possibly
// transformed) definition. Everything not carried on Definition gets the
// fixed policy values above.
func buildCreatePayload(def *segment.Definition, sourceID int64, sourceVersion int, opts Options) map[string]any {
	payload := map[string]any{
		"type": map[string]any{
			"upper": "BASIC", "lower": "basic", "name": "Basic", "ordinal": 1,
		},
		"marketplaceId": def.MarketID,
		"advancedOptions": map[string]any{
			"kindleAsins":       def.Advanced.KindleAsins,
			"includeVariables":  def.Advanced.IncludeVariables,
			"allowLargeSegment": def.Advanced.AllowLargeSegment,
			"auditEvents":       def.Advanced.AuditEvents,
			"consumerQuery":     def.Advanced.ConsumerQuery,
		},
		"listeners":   map[string]any{"change": []any{nil}},
		"notFound":    false,
		"queryString": def.Query,
		"realtime":    def.Realtime,
		"asap":        def.Asap,
		"website":     def.Website,
		"email":       def.Email,
		"name":        def.Name,

		"secured":     def.Secured,
		"notifyLevel": notifyLevel,
		"ccemails":    []string{},
		"basic": map[string]any{
			"marketplaceId": def.MarketID,
			"rules":         def.Rules,
		},
		"canBeRequeued":             false,
		"id":                        sourceID,
		"queryVersion":              sourceVersion,
		"usageCategory":             opts.UsageCategory,
		"alarms":                    []any{},
		"asapUnsafe":                false,
		"confidential":              def.Confidential,
		"source":                    "QUERY",
		"publish":                   true,
		"destination":               opts.Destination,
		"isFavorite":                false,
		"segmentVersionValidations": []any{},
		"destinations":              destinations,
		"requesterLOB":              requesterLOB,
		"timeZoneOffset":            opts.TZOffsetHours,
	}
	if opts.Alias != "" {
		payload["ownerEmail"] = opts.Alias
	}
	if def.Owner != nil {
		payload["owner"] = def.Owner
	}
	return payload
}
