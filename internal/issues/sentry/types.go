package sentry

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/selfheal/internal/issues"
)

type issueJSON struct {
	ID        string          `json:"id"`
	ShortID   string          `json:"shortId"`
	Title     string          `json:"title"`
	Culprit   string          `json:"culprit"`
	Permalink string          `json:"permalink"`
	Level     string          `json:"level"`
	FirstSeen time.Time       `json:"firstSeen"`
	LastSeen  time.Time       `json:"lastSeen"`
	Count     json.RawMessage `json:"count"`
	Project   struct {
		Slug string `json:"slug"`
	} `json:"project"`
}

func (r issueJSON) toIssue(project string) issues.Issue {
	if r.Project.Slug != "" {
		project = r.Project.Slug
	}
	return issues.Issue{
		ID:        r.ID,
		ShortID:   r.ShortID,
		Title:     r.Title,
		Culprit:   r.Culprit,
		Permalink: r.Permalink,
		Project:   project,
		Level:     r.Level,
		FirstSeen: r.FirstSeen,
		LastSeen:  r.LastSeen,
		Count:     parseCount(r.Count),
	}
}

// parseCount accepts both "42" and 42; Sentry returns counts as strings.
func parseCount(raw json.RawMessage) int64 {
	s := strings.Trim(string(raw), `"`)
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

type eventJSON struct {
	EventID   string          `json:"eventID"`
	ID        string          `json:"id"`
	Message   string          `json:"message"`
	Entries   []entryJSON     `json:"entries"`
	Exception *exceptionJSON  `json:"exception"`
	Release   json.RawMessage `json:"release"`
	Tags      []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"tags"`
}

type entryJSON struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type exceptionJSON struct {
	Values []struct {
		Type       string `json:"type"`
		Value      string `json:"value"`
		Stacktrace *struct {
			Frames []frameJSON `json:"frames"`
		} `json:"stacktrace"`
	} `json:"values"`
}

type frameJSON struct {
	Filename    string            `json:"filename"`
	AbsPath     string            `json:"absPath"`
	AbsPathRaw  string            `json:"abs_path"`
	Module      string            `json:"module"`
	Function    string            `json:"function"`
	LineNo      int               `json:"lineNo"`
	LineNoRaw   int               `json:"lineno"`
	InApp       *bool             `json:"inApp"`
	InAppRaw    *bool             `json:"in_app"`
	Context     [][2]any          `json:"context"`
	ContextLine string            `json:"context_line"`
	PreContext  []string          `json:"pre_context"`
	PostContext []string          `json:"post_context"`
}

func (f frameJSON) toFrame() issues.StackFrame {
	frame := issues.StackFrame{
		Filename:    f.Filename,
		AbsPath:     firstNonEmpty(f.AbsPath, f.AbsPathRaw),
		Module:      f.Module,
		Function:    f.Function,
		LineNo:      f.LineNo,
		ContextLine: f.ContextLine,
		PreContext:  f.PreContext,
		PostContext: f.PostContext,
	}
	if frame.LineNo == 0 {
		frame.LineNo = f.LineNoRaw
	}
	switch {
	case f.InApp != nil:
		frame.InApp = *f.InApp
	case f.InAppRaw != nil:
		frame.InApp = *f.InAppRaw
	}

	// API events carry context as [[lineno, "code"], ...].
	if frame.ContextLine == "" && len(f.Context) > 0 {
		for _, pair := range f.Context {
			n, ok := pair[0].(float64)
			code, _ := pair[1].(string)
			if !ok {
				continue
			}
			switch {
			case int(n) < frame.LineNo:
				frame.PreContext = append(frame.PreContext, code)
			case int(n) == frame.LineNo:
				frame.ContextLine = code
			default:
				frame.PostContext = append(frame.PostContext, code)
			}
		}
	}
	return frame
}

func (e eventJSON) toEvent() *issues.Event {
	ev := &issues.Event{
		ID:      firstNonEmpty(e.EventID, e.ID),
		Message: e.Message,
	}

	var exc *exceptionJSON
	if e.Exception != nil {
		exc = e.Exception
	} else {
		for _, entry := range e.Entries {
			if entry.Type != "exception" {
				continue
			}
			var parsed exceptionJSON
			if err := json.Unmarshal(entry.Data, &parsed); err == nil {
				exc = &parsed
			}
			break
		}
	}
	if exc != nil {
		// Chained exceptions: the last value is the one that was raised.
		for _, v := range exc.Values {
			if v.Stacktrace == nil {
				continue
			}
			frames := make([]issues.StackFrame, 0, len(v.Stacktrace.Frames))
			for _, f := range v.Stacktrace.Frames {
				frames = append(frames, f.toFrame())
			}
			ev.Frames = frames
		}
	}

	ev.Release, ev.CommitSHA = parseRelease(e.Release)
	for _, tag := range e.Tags {
		switch tag.Key {
		case "release":
			if ev.Release == "" {
				ev.Release = tag.Value
			}
		case "commit", "git_sha", "git.sha", "revision":
			if ev.CommitSHA == "" {
				ev.CommitSHA = tag.Value
			}
		}
	}
	return ev
}

// parseRelease accepts a release object, a bare version string, or null.
func parseRelease(raw json.RawMessage) (version, commit string) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, ""
	}
	var obj struct {
		Version    string `json:"version"`
		LastCommit *struct {
			ID string `json:"id"`
		} `json:"lastCommit"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", ""
	}
	if obj.LastCommit != nil {
		commit = obj.LastCommit.ID
	}
	return obj.Version, commit
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
