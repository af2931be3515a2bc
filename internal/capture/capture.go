// Package capture implements C3: observing the agent's own first
// structured message to learn its conversation identifier, and
// persisting it exactly once.
package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"
)

// MaxScanLines and MaxScanDuration bound the capture scan: C3 gives up
// after whichever limit is hit first (spec.md §9 open question,
// resolved: both constants enforced together).
const (
	MaxScanLines    = 100
	MaxScanDuration = 10 * time.Second
)

type initMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

// Persister is the storage operation C3 calls on a match: atomically
// set agent_session_id only if it is currently null.
type Persister interface {
	SetAgentSessionIDIfNull(ctx context.Context, projectID, agentSessionID string) (bool, error)
}

// Mirror records the captured id into the live session on a successful match.
type Mirror interface {
	RecordAgentSessionID(projectID, agentSessionID string) (firstCapture bool, err error)
}

// OnCapture is invoked once, after the id has been persisted and
// mirrored, with whether this was the project's first-ever capture.
type OnCapture func(agentSessionID string, firstCapture bool)

// Scan taps newline-delimited output on tap, looking for the agent's
// init line. It stops after the first match, or after MaxScanLines /
// MaxScanDuration, whichever comes first. Giving up is not an error.
//
// Malformed JSON lines are silently skipped. Persistence errors are
// logged and retried on the next qualifying line; they never bring
// down the session or the connection, per spec.md §4.3/§7.
func Scan(ctx context.Context, tap <-chan []byte, projectID string, store Persister, mirror Mirror, onCapture OnCapture, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	deadline := time.NewTimer(MaxScanDuration)
	defer deadline.Stop()

	pr, pw := io.Pipe()
	defer pr.Close()

	go func() {
		defer pw.Close()
		for {
			select {
			case chunk, ok := <-tap:
				if !ok {
					return
				}
				if _, err := pw.Write(chunk); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := 0
	linesCh := make(chan string)
	go func() {
		defer close(linesCh)
		for scanner.Scan() {
			select {
			case linesCh <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			logger.Warn("capture scan exhausted time bound without init line", "output_project_id", projectID)
			return
		case line, ok := <-linesCh:
			if !ok {
				return
			}
			lines++

			var msg initMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				if lines >= MaxScanLines {
					logger.Warn("capture scan exhausted line bound without init line", "output_project_id", projectID)
					return
				}
				continue
			}

			if msg.Type == "system" && msg.Subtype == "init" && msg.SessionID != "" {
				if persistAndMirror(ctx, store, mirror, projectID, msg.SessionID, onCapture, logger) {
					return
				}
				// Persistence failed; keep scanning so a later qualifying
				// line gets another chance within the same bound.
			}

			if lines >= MaxScanLines {
				logger.Warn("capture scan exhausted line bound without init line", "output_project_id", projectID)
				return
			}
		}
	}
}

// persistAndMirror reports whether the init line was fully handled. On
// false, the caller keeps scanning (within the line/time bound) so a
// StorageError here is retried on the next qualifying line rather than
// ending the scan (spec.md §4.3, §7).
func persistAndMirror(ctx context.Context, store Persister, mirror Mirror, projectID, agentSessionID string, onCapture OnCapture, logger *slog.Logger) bool {
	if _, err := store.SetAgentSessionIDIfNull(ctx, projectID, agentSessionID); err != nil {
		logger.Error("failed to persist agent session id", "output_project_id", projectID, "error", err)
		return false
	}

	firstCapture, err := mirror.RecordAgentSessionID(projectID, agentSessionID)
	if err != nil {
		logger.Error("failed to mirror agent session id", "output_project_id", projectID, "error", err)
		return false
	}

	if onCapture != nil {
		onCapture(agentSessionID, firstCapture)
	}
	return true
}
