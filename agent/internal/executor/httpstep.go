package executor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/pilot-net/dialer/pkg/types"
)

// maxStepBodyBytes caps how much of each response body is kept.
const maxStepBodyBytes = 1 << 20

// HTTPStepExecutor runs an ordered sequence of HTTP requests.
//
// Steps run one after another and may reference earlier responses through
// placeholders, and "$" variables seeded from the task or extracted from
// earlier responses. The sequence stops at the first step that cannot
// produce a response (status=error). Responses are judged only by step
// assertions: any failed assertion makes the result status=failed, and a
// failing fail_fast step ends the sequence.
type HTTPStepExecutor struct {
	Client *http.Client
}

// NewHTTPStepExecutor creates an executor with its own transport.
func NewHTTPStepExecutor() *HTTPStepExecutor {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	return &HTTPStepExecutor{
		Client: &http.Client{Transport: transport},
	}
}

func (e *HTTPStepExecutor) Type() types.ProbeType { return types.ProbeHTTPStep }

// Capabilities reports no retries; a sequence may not be idempotent.
func (e *HTTPStepExecutor) Capabilities() Capabilities {
	return Capabilities{}
}

// Execute runs the task's steps in order.
func (e *HTTPStepExecutor) Execute(ctx context.Context, task types.Assignment) (*Result, error) {
	steps := task.Params.Steps
	if len(steps) == 0 {
		return nil, fmt.Errorf("http-step task has no steps")
	}
	timeout := task.Params.Timeout()

	seq := sequenceContext{
		steps: make(stepContext, len(steps)),
		vars:  seedVariables(task.Params),
	}
	details := types.HTTPStepDetails{Steps: make([]types.StepRecord, 0, len(steps))}
	var total float64
	var failure string

	for _, step := range steps {
		rec, resp, err := e.runStep(ctx, step, seq, timeout)
		if rec.ResponseTimeMs != nil {
			total += *rec.ResponseTimeMs
		}
		if err != nil {
			rec.Status = types.StatusError
			details.Steps = append(details.Steps, rec)
			payload := MarshalPayload(details)
			if ctx.Err() == nil && isTimeout(ctx, err) {
				return &Result{
					Status:         types.StatusError,
					ResponseTimeMs: msPtr(total),
					Message:        fmt.Sprintf("step %s timed out after %s", step.ID, timeout),
					Details:        payload,
				}, nil
			}
			return &Result{
				Status:         types.StatusError,
				ResponseTimeMs: msPtr(total),
				Message:        fmt.Sprintf("step %s: %v", step.ID, err),
				Details:        payload,
			}, nil
		}

		seq.steps[step.ID] = resp
		checkStep(step, &rec, resp, seq.vars)
		details.TotalAssertions += len(rec.Assertions)
		for _, a := range rec.Assertions {
			if a.Passed {
				details.PassedAssertions++
			} else if failure == "" {
				failure = fmt.Sprintf("step %s assertion failed: %s", step.ID, a.Message)
			}
		}
		details.Steps = append(details.Steps, rec)
		if rec.Status == types.StatusFailed && step.FailFast {
			break
		}
	}

	if failure != "" {
		return &Result{
			Status:         types.StatusFailed,
			ResponseTimeMs: msPtr(total),
			Message:        fmt.Sprintf("%s (%d/%d assertions passed)", failure, details.PassedAssertions, details.TotalAssertions),
			Details:        MarshalPayload(details),
		}, nil
	}
	return &Result{
		Status:         types.StatusSuccess,
		ResponseTimeMs: msPtr(total),
		Message:        fmt.Sprintf("%d step(s) completed", len(details.Steps)),
		Details:        MarshalPayload(details),
	}, nil
}

// checkStep runs a step's extractions, then its assertions, and sets the
// step status.
func checkStep(step types.HTTPStep, rec *types.StepRecord, resp *types.StepResponse, vars variables) {
	for _, x := range step.Extract {
		rec.Extractions = append(rec.Extractions, extract(x, resp, vars))
	}
	rec.Status = types.StatusSuccess
	for _, a := range step.Assertions {
		res := evaluateAssertion(a, resp)
		rec.Assertions = append(rec.Assertions, res)
		if !res.Passed {
			rec.Status = types.StatusFailed
		}
	}
}

// runStep substitutes, sends and records one step under its own timeout.
func (e *HTTPStepExecutor) runStep(ctx context.Context, step types.HTTPStep, vars substituter, timeout time.Duration) (types.StepRecord, *types.StepResponse, error) {
	rec := types.StepRecord{StepID: step.ID, Name: step.Name}

	out, body, contentType, err := expandRequest(step.Request, vars)
	rec.Request = out
	if err != nil {
		rec.Error = err.Error()
		return rec, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var remoteIP string
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if addr, ok := info.Conn.RemoteAddr().(*net.TCPAddr); ok {
				remoteIP = addr.IP.String()
			}
		},
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL, reader)
	if err != nil {
		rec.Error = err.Error()
		return rec, nil, fmt.Errorf("building request: %w", err)
	}
	for _, h := range out.Headers {
		req.Header.Add(h.Key, h.Value)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := e.Client.Do(req)
	if err != nil {
		rec.ResponseTimeMs = msPtr(elapsedMs(start))
		rec.RemoteIP = remoteIP
		rec.Error = err.Error()
		return rec, nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxStepBodyBytes))
	resp.Body.Close()
	rec.ResponseTimeMs = msPtr(elapsedMs(start))
	rec.RemoteIP = remoteIP
	if err != nil {
		rec.Error = err.Error()
		return rec, nil, fmt.Errorf("reading response: %w", err)
	}

	stepResp := &types.StepResponse{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       string(data),
	}
	rec.Response = stepResp
	return rec, stepResp, nil
}

// expandRequest applies placeholder substitution to every request field and
// encodes the body. It returns the echo record, the wire body and the
// default content type for the body tag.
func expandRequest(r types.HTTPRequest, vars substituter) (types.StepRequest, string, string, error) {
	out := types.StepRequest{Method: strings.ToUpper(r.Method)}
	if out.Method == "" {
		out.Method = http.MethodGet
	}

	var err error
	if out.URL, err = vars.substitute(r.URL); err != nil {
		return out, "", "", err
	}
	for _, h := range r.Headers {
		k, err := vars.substitute(h.Key)
		if err != nil {
			return out, "", "", err
		}
		v, err := vars.substitute(h.Value)
		if err != nil {
			return out, "", "", err
		}
		out.Headers = append(out.Headers, types.Header{Key: k, Value: v})
	}

	if r.Body == nil || r.Body.Content == "" {
		return out, "", "", nil
	}
	content, err := vars.substitute(r.Body.Content)
	if err != nil {
		return out, "", "", err
	}

	var contentType string
	switch r.Body.Type {
	case types.BodyJSON:
		contentType = "application/json"
	case types.BodyForm:
		contentType = "application/x-www-form-urlencoded"
		content = encodeForm(content)
	default:
		contentType = "text/plain; charset=utf-8"
	}
	out.Body = content
	return out, content, contentType, nil
}

// encodeForm accepts either a JSON object of fields or an already encoded
// query string.
func encodeForm(content string) string {
	var fields map[string]any
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return content
	}
	values := url.Values{}
	for k, v := range fields {
		switch tv := v.(type) {
		case string:
			values.Set(k, tv)
		default:
			data, _ := json.Marshal(tv)
			values.Set(k, string(data))
		}
	}
	return values.Encode()
}
