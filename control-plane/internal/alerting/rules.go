package alerting

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pilot-net/dialer/pkg/types"
)

// Verdict is the outcome of checking one rule against one result.
type Verdict struct {
	Applicable bool // false when the result lacks the fields the rule reads
	Holds      bool // predicate triggered
	Trigger    string
	Threshold  string
	Message    string
}

func skip() Verdict { return Verdict{} }

// detailView is the union of detail fields rules read across probe types.
type detailView struct {
	Steps      []types.StepRecord `json:"steps"`
	Addresses  []string           `json:"addresses"`
	ResolvedIP string             `json:"resolved_ip"`
	IP         string             `json:"ip"`
	PacketLoss *float64           `json:"packet_loss"`
}

func parseDetails(raw json.RawMessage) (detailView, error) {
	var v detailView
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return detailView{}, fmt.Errorf("decoding details: %w", err)
	}
	return v, nil
}

func (d detailView) step(id string) *types.StepRecord {
	for i := range d.Steps {
		if d.Steps[i].StepID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// check evaluates one rule against a result.
func check(cfg types.AlertConfig, rule types.RuleConfig, result *types.Result, details detailView) Verdict {
	var step *types.StepRecord
	if cfg.StepID != nil {
		if step = details.step(*cfg.StepID); step == nil {
			return skip()
		}
	}

	switch cfg.AlertType {
	case types.AlertStatusCode:
		return checkStatusCode(rule, step, details)
	case types.AlertResponseTime:
		return checkResponseTime(rule, step, result)
	case types.AlertStatus:
		return checkStatus(rule, step, result)
	case types.AlertDNSIP:
		return checkDNSIP(rule, step, details)
	case types.AlertPacketLoss:
		return checkPacketLoss(rule, details)
	}
	return skip()
}

func checkStatusCode(rule types.RuleConfig, step *types.StepRecord, details detailView) Verdict {
	allowed := make(map[int]bool, len(rule.AllowedCodes))
	for _, c := range rule.AllowedCodes {
		allowed[c] = true
	}
	codes := append([]int(nil), rule.AllowedCodes...)
	sort.Ints(codes)
	threshold := jsonList(codes)

	candidates := details.Steps
	if step != nil {
		candidates = []types.StepRecord{*step}
	}

	v := skip()
	for _, s := range candidates {
		if s.Response == nil {
			continue
		}
		v.Applicable = true
		if code := s.Response.StatusCode; !allowed[code] {
			return Verdict{
				Applicable: true,
				Holds:      true,
				Trigger:    strconv.Itoa(code),
				Threshold:  threshold,
				Message:    fmt.Sprintf("step %s returned status %d, allowed %s", s.StepID, code, threshold),
			}
		}
	}
	v.Threshold = threshold
	return v
}

func checkResponseTime(rule types.RuleConfig, step *types.StepRecord, result *types.Result) Verdict {
	measured := result.ResponseTime
	scope := "task"
	if step != nil {
		measured = step.ResponseTimeMs
		scope = "step " + step.StepID
	}
	if measured == nil {
		return skip()
	}

	v := Verdict{
		Applicable: true,
		Holds:      *measured > rule.ThresholdMs,
		Trigger:    formatFloat(*measured),
		Threshold:  formatFloat(rule.ThresholdMs),
	}
	if v.Holds {
		v.Message = fmt.Sprintf("%s response time %sms exceeds %sms", scope, v.Trigger, v.Threshold)
	}
	return v
}

func checkStatus(rule types.RuleConfig, step *types.StepRecord, result *types.Result) Verdict {
	actual := result.Status
	scope := "task"
	if step != nil {
		scope = "step " + step.StepID
		switch {
		case step.Status != "":
			actual = step.Status
		case step.Response != nil:
			actual = types.StatusSuccess
		default:
			actual = types.StatusError
		}
	}

	v := Verdict{
		Applicable: true,
		Holds:      actual != rule.ExpectedStatus,
		Trigger:    string(actual),
		Threshold:  string(rule.ExpectedStatus),
	}
	if v.Holds {
		v.Message = fmt.Sprintf("%s status is %s, expected %s", scope, actual, rule.ExpectedStatus)
		if step == nil && result.Message != "" {
			v.Message += ": " + result.Message
		}
	}
	return v
}

func checkDNSIP(rule types.RuleConfig, step *types.StepRecord, details detailView) Verdict {
	var observed []string
	switch {
	case step != nil:
		observed = []string{step.RemoteIP}
	case len(details.Addresses) > 0:
		observed = details.Addresses
	case details.ResolvedIP != "":
		observed = []string{details.ResolvedIP}
	case details.IP != "":
		observed = []string{details.IP}
	default:
		for _, s := range details.Steps {
			observed = append(observed, s.RemoteIP)
		}
	}

	got := normalizeSet(observed)
	if len(got) == 0 {
		return skip()
	}
	expected := normalizeSet(rule.ExpectedIPs)

	var diff []string
	for ip := range got {
		if !expected[ip] {
			diff = append(diff, ip)
		}
	}
	sort.Strings(diff)

	v := Verdict{
		Applicable: true,
		Holds:      len(diff) > 0,
		Threshold:  jsonList(sortedKeys(expected)),
	}
	if v.Holds {
		v.Trigger = jsonList(diff)
		v.Message = fmt.Sprintf("unexpected addresses %s, expected %s", v.Trigger, v.Threshold)
	}
	return v
}

func checkPacketLoss(rule types.RuleConfig, details detailView) Verdict {
	if details.PacketLoss == nil {
		return skip()
	}
	loss := *details.PacketLoss
	v := Verdict{
		Applicable: true,
		Holds:      loss > rule.ThresholdPct,
		Trigger:    formatFloat(loss),
		Threshold:  formatFloat(rule.ThresholdPct),
	}
	if v.Holds {
		v.Message = fmt.Sprintf("packet loss %s%% exceeds %s%%", v.Trigger, v.Threshold)
	}
	return v
}

// normalizeSet lowercases and strips trailing dots so DNS answers compare
// case-insensitively.
func normalizeSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(v)), ".")
		if v != "" {
			out[v] = true
		}
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func jsonList[T any](values []T) string {
	if values == nil {
		values = []T{}
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
