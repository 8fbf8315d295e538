package transport

import (
	"sort"
	"strings"
)

// AckStatus summarises the gateway acknowledgement of a flow.
type AckStatus string

const (
	AckPending AckStatus = "pending"
	AckOK      AckStatus = "ok"
	AckError   AckStatus = "error"
)

// AckEntry is one acknowledgement line returned by the gateway.
type AckEntry struct {
	Code        string `json:"code"`
	Message     string `json:"message,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
	Name        string `json:"name,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

func (e AckEntry) field(name string) string {
	switch name {
	case FieldExternalRef:
		return e.ExternalRef
	case FieldName:
		return e.Name
	case FieldReference:
		return e.Reference
	}
	return ""
}

// SentTransaction carries the references of a transaction included in a submission.
type SentTransaction struct {
	ID          int64
	ExternalRef string
	Name        string
	Reference   string
}

func (s SentTransaction) field(name string) string {
	switch name {
	case FieldExternalRef:
		return s.ExternalRef
	case FieldName:
		return s.Name
	case FieldReference:
		return s.Reference
	}
	return ""
}

// Outcome is the flow update derived from a gateway response.
type Outcome struct {
	State           State
	TransportStatus string
	AckStatus       AckStatus
	Details         []AckEntry
	// RejectedIDs lists the sent transactions isolated by a partial rejection.
	RejectedIDs []int64
	Partial     bool
	Duplicate   bool
	Global      bool
}

// AckProcessor interprets acknowledgement entries under a policy.
type AckProcessor struct {
	policy Policy
}

// NewAckProcessor constructs a processor. A zero policy uses the defaults.
func NewAckProcessor(policy Policy) *AckProcessor {
	if len(policy.RejectionCodes) == 0 && len(policy.DuplicateCodes) == 0 {
		policy = DefaultPolicy()
	}
	if len(policy.MatchFields) == 0 {
		policy.MatchFields = DefaultPolicy().MatchFields
	}
	return &AckProcessor{policy: policy}
}

// Process maps a raw gateway status and its acknowledgement entries onto the
// sent transactions.
func (p *AckProcessor) Process(status string, entries []AckEntry, sent []SentTransaction) Outcome {
	out := Outcome{
		State:           MapStatus(status),
		TransportStatus: strings.ToUpper(strings.TrimSpace(status)),
		Details:         entries,
	}

	var rejections []AckEntry
	duplicate := false
	for _, e := range entries {
		switch {
		case p.policy.isRejection(e.Code):
			rejections = append(rejections, e)
		case p.policy.isDuplicate(e.Code):
			duplicate = true
		}
	}

	switch {
	case len(rejections) > 0:
		matched := make(map[int64]struct{})
		allMatched := true
		for _, r := range rejections {
			ids := p.Match(r, sent)
			if len(ids) == 0 {
				allMatched = false
			}
			for _, id := range ids {
				matched[id] = struct{}{}
			}
		}
		out.AckStatus = AckError
		if allMatched && len(matched) < len(sent) {
			out.State = StateCompleted
			out.Partial = true
			for id := range matched {
				out.RejectedIDs = append(out.RejectedIDs, id)
			}
			sort.Slice(out.RejectedIDs, func(i, j int) bool { return out.RejectedIDs[i] < out.RejectedIDs[j] })
			return out
		}
		out.State = StateError
		out.Global = true
	case duplicate:
		out.State = StateCompleted
		out.AckStatus = AckOK
		out.TransportStatus = StatusDuplicate
		out.Duplicate = true
	case len(entries) > 0:
		if out.State == StateError {
			out.AckStatus = AckError
			return out
		}
		out.AckStatus = AckOK
		out.State = StateCompleted
	default:
		switch out.State {
		case StateCompleted:
			out.AckStatus = AckOK
		case StateError:
			out.AckStatus = AckError
		default:
			out.AckStatus = AckPending
		}
	}
	return out
}

// IsRejection reports whether the policy treats code as a rejection.
func (p *AckProcessor) IsRejection(code string) bool {
	return p.policy.isRejection(code)
}

// Match returns the ids of the sent transactions sharing at least one
// normalised reference with the entry.
func (p *AckProcessor) Match(entry AckEntry, sent []SentTransaction) []int64 {
	refs := make(map[string]struct{})
	for _, f := range p.policy.MatchFields {
		if v := NormalizeReference(entry.field(f)); v != "" {
			refs[v] = struct{}{}
		}
	}
	if len(refs) == 0 {
		return nil
	}
	var ids []int64
	for _, tx := range sent {
		for _, f := range p.policy.MatchFields {
			if _, ok := refs[NormalizeReference(tx.field(f))]; ok {
				ids = append(ids, tx.ID)
				break
			}
		}
	}
	return ids
}
