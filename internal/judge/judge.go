// Package judge implements the optional per-session completion judge: an
// evaluator asked "may this session stop?" when a qualifying session signals
// shutdown. Any failure inside the judge yields should_continue=false, so an
// unreachable or broken judge never traps a session in a shutdown loop.
package judge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/drover-org/drover/internal/cmn/logger"
	"github.com/drover-org/drover/internal/cmn/logger/tag"
)

// Verdict is the judge's answer. ShouldContinue=false means the session may
// stop; it is also the fail-open value returned on any error.
type Verdict struct {
	ShouldContinue bool   `json:"should_continue"`
	Reason         string `json:"reason"`
	Suggestion     string `json:"suggestion,omitempty"`
}

// Turn is one transcript entry presented to the judge.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the evaluation inputs: the tail of the session transcript
// and a summary of outstanding work.
type Request struct {
	SessionID   string `json:"session_id"`
	Turns       []Turn `json:"turns"`
	Outstanding string `json:"outstanding"`
}

// Judge evaluates whether a session that wants to stop should instead keep
// going. Implementations never return an error: failures fold into the
// fail-open verdict.
type Judge interface {
	Evaluate(ctx context.Context, req Request) Verdict
}

// Noop is the default judge used when none is configured. It always permits
// the stop.
type Noop struct{}

var _ Judge = (*Noop)(nil)

func (Noop) Evaluate(context.Context, Request) Verdict {
	return Verdict{ShouldContinue: false, Reason: "no judge configured"}
}

// failOpen builds the verdict returned when the judge itself fails.
func failOpen(reason string) Verdict {
	return Verdict{ShouldContinue: false, Reason: reason}
}

// Remote delegates the evaluation to an external summariser over HTTP.
type Remote struct {
	client   *resty.Client
	endpoint string
	maxTurns int
}

var _ Judge = (*Remote)(nil)

// RemoteOption configures a Remote judge.
type RemoteOption func(*Remote)

// WithMaxTurns caps how many trailing transcript turns are forwarded.
func WithMaxTurns(n int) RemoteOption {
	return func(r *Remote) { r.maxTurns = n }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) { r.client.SetTimeout(d) }
}

// NewRemote builds a judge posting to the given endpoint.
func NewRemote(endpoint string, opts ...RemoteOption) *Remote {
	r := &Remote{
		client:   resty.New().SetTimeout(30 * time.Second),
		endpoint: endpoint,
		maxTurns: 20,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Evaluate implements Judge. The remote is asked for a verdict over the last
// maxTurns turns; a transport error, non-2xx status, or malformed body all
// fail open.
func (r *Remote) Evaluate(ctx context.Context, req Request) Verdict {
	if len(req.Turns) == 0 {
		return failOpen("no transcript available")
	}
	if len(req.Turns) > r.maxTurns {
		req.Turns = req.Turns[len(req.Turns)-r.maxTurns:]
	}

	var verdict Verdict
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&verdict).
		Post(r.endpoint)
	if err != nil {
		logger.Warn(ctx, "Completion judge unreachable",
			tag.Session(req.SessionID), tag.Error(err))
		return failOpen(fmt.Sprintf("judge unreachable: %v", err))
	}
	if resp.IsError() {
		logger.Warn(ctx, "Completion judge returned error status",
			tag.Session(req.SessionID), tag.Status(resp.Status()))
		return failOpen(fmt.Sprintf("judge returned %s", resp.Status()))
	}
	if verdict.Reason == "" && !verdict.ShouldContinue {
		verdict.Reason = "judge permitted stop"
	}
	return verdict
}

// LoadTranscript reads a JSONL transcript file and returns its last maxTurns
// entries. Malformed lines are skipped.
func LoadTranscript(path string, maxTurns int) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var turn Turn
		if err := json.Unmarshal(scanner.Bytes(), &turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns, nil
}
