// Package signal defines the serialized host signals that drive an agent:
// one JSON object per observation, in the order the host saw them.
package signal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hpungsan/casetrack/internal/agent"
	"github.com/hpungsan/casetrack/internal/capture"
	"github.com/hpungsan/casetrack/internal/clock"
	"github.com/hpungsan/casetrack/internal/errors"
	"github.com/hpungsan/casetrack/internal/event"
)

// Kind names a host signal.
type Kind string

const (
	KindStart         Kind = "start"
	KindRoute         Kind = "route"
	KindVisibility    Kind = "visibility"
	KindExit          Kind = "exit"
	KindScroll        Kind = "scroll"
	KindClick         Kind = "click"
	KindFocus         Kind = "focus"
	KindInput         Kind = "input"
	KindBlur          Kind = "blur"
	KindSubmit        Kind = "submit"
	KindCopy          Kind = "copy"
	KindPrint         Kind = "print"
	KindConnectivity  Kind = "connectivity"
	KindError         Kind = "error"
	KindRejection     Kind = "rejection"
	KindResourceError Kind = "resource_error"
	KindCustom        Kind = "custom"
	KindSuspicious    Kind = "suspicious"
	KindFlush         Kind = "flush"
)

var kinds = map[Kind]bool{
	KindStart: true, KindRoute: true, KindVisibility: true, KindExit: true,
	KindScroll: true, KindClick: true, KindFocus: true, KindInput: true,
	KindBlur: true, KindSubmit: true, KindCopy: true, KindPrint: true,
	KindConnectivity: true, KindError: true, KindRejection: true,
	KindResourceError: true, KindCustom: true, KindSuspicious: true,
	KindFlush: true,
}

// Signal is one host observation. Only the fields of its kind are read.
type Signal struct {
	Kind Kind  `json:"kind"`
	// AtMs is the offset from the start of the recording.
	AtMs int64 `json:"atMs,omitempty"`

	Page     *event.Page           `json:"page,omitempty"`
	Hidden   bool                  `json:"hidden,omitempty"`
	Scroll   *capture.ScrollSample `json:"scroll,omitempty"`
	Click    *capture.Click        `json:"click,omitempty"`
	Field    *capture.Field        `json:"field,omitempty"`
	Form     *capture.Form         `json:"form,omitempty"`
	Text     string                `json:"text,omitempty"`
	Online   bool                  `json:"online,omitempty"`
	Error    *capture.ErrorInfo    `json:"error,omitempty"`
	Resource *capture.ResourceInfo `json:"resource,omitempty"`
	Name     string                `json:"name,omitempty"`
	Reason   string                `json:"reason,omitempty"`
	Data     map[string]any        `json:"data,omitempty"`
	Urgent   bool                  `json:"urgent,omitempty"`
}

// Validate checks that s names a known kind and carries its payload.
func (s Signal) Validate() error {
	if !kinds[s.Kind] {
		return errors.NewInvalidRequest(fmt.Sprintf("unknown signal kind %q", s.Kind))
	}
	if s.AtMs < 0 {
		return errors.NewInvalidRequest("atMs must not be negative")
	}
	missing := ""
	switch s.Kind {
	case KindStart, KindRoute:
		if s.Page == nil || s.Page.URL == "" {
			missing = "page.url"
		}
	case KindScroll:
		if s.Scroll == nil {
			missing = "scroll"
		}
	case KindClick:
		if s.Click == nil {
			missing = "click"
		}
	case KindFocus, KindInput:
		if s.Field == nil {
			missing = "field"
		}
	case KindSubmit:
		if s.Form == nil {
			missing = "form"
		}
	case KindError, KindRejection:
		if s.Error == nil {
			missing = "error"
		}
	case KindResourceError:
		if s.Resource == nil {
			missing = "resource"
		}
	case KindCustom:
		if s.Name == "" {
			missing = "name"
		}
	case KindSuspicious:
		if s.Reason == "" {
			missing = "reason"
		}
	}
	if missing != "" {
		return errors.NewInvalidRequest(fmt.Sprintf("%s signal requires %s", s.Kind, missing))
	}
	return nil
}

// Parse decodes and validates a single signal.
func Parse(data []byte) (Signal, error) {
	var s Signal
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Signal{}, errors.NewInvalidRequest(fmt.Sprintf("invalid signal: %v", err))
	}
	if err := s.Validate(); err != nil {
		return Signal{}, err
	}
	return s, nil
}

// Decode reads a JSONL recording. Blank lines and lines starting with # are skipped.
func Decode(r io.Reader) ([]Signal, error) {
	var out []Signal
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		s, err := Parse(text)
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("line %d: %s", line, err.(*errors.TrackError).Message))
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("read signals: %v", err))
	}
	return out, nil
}

// Dispatch applies s to a.
func Dispatch(ctx context.Context, a *agent.Agent, s Signal) error {
	if err := s.Validate(); err != nil {
		return err
	}
	switch s.Kind {
	case KindStart:
		return a.Start(ctx, *s.Page)
	case KindCustom:
		return a.Track(s.Name, s.Data)
	case KindSuspicious:
		return a.FlagSuspicious(s.Reason, s.Data)
	case KindFlush:
		a.Flush(ctx, s.Urgent)
		return nil
	}

	obs, err := a.Observer()
	if err != nil {
		return err
	}
	switch s.Kind {
	case KindRoute:
		obs.PageView(*s.Page)
	case KindVisibility:
		obs.Visibility(s.Hidden)
	case KindExit:
		obs.Exit()
	case KindScroll:
		obs.Scroll(*s.Scroll)
	case KindClick:
		obs.Click(*s.Click)
	case KindFocus:
		obs.Focus(*s.Field)
	case KindInput:
		obs.Input(*s.Field)
	case KindBlur:
		obs.Blur()
	case KindSubmit:
		obs.Submit(*s.Form)
	case KindCopy:
		obs.Copy(s.Text)
	case KindPrint:
		obs.Print()
	case KindConnectivity:
		obs.Connectivity(s.Online)
	case KindError:
		obs.Error(*s.Error)
	case KindRejection:
		obs.Rejection(*s.Error)
	case KindResourceError:
		obs.ResourceError(*s.Resource)
	}
	return nil
}

// Replay dispatches signals in order, moving time to each signal's offset
// first. With a virtual clock time jumps; otherwise Replay sleeps.
func Replay(ctx context.Context, a *agent.Agent, signals []Signal, clk clock.Clock) error {
	start := clk.Now()
	for i, s := range signals {
		at := start.Add(time.Duration(s.AtMs) * time.Millisecond)
		if err := advanceTo(ctx, clk, at); err != nil {
			return err
		}
		if err := Dispatch(ctx, a, s); err != nil {
			return errors.NewInvalidRequest(fmt.Sprintf("signal %d (%s): %v", i+1, s.Kind, err))
		}
	}
	return nil
}

func advanceTo(ctx context.Context, clk clock.Clock, at time.Time) error {
	if v, ok := clk.(*clock.Virtual); ok {
		v.AdvanceTo(at)
		return nil
	}
	d := at.Sub(clk.Now())
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
