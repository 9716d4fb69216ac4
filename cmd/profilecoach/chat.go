package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/profilecoach/internal/profile"
	"github.com/kalambet/profilecoach/internal/update"
)

type chatAction int

const (
	actionNone chatAction = iota
	actionApply
	actionDecline
)

// chatTurn mirrors the assistant turn the server sends at the end of a
// stream.
type chatTurn struct {
	ID            string      `json:"id"`
	Text          string      `json:"text"`
	State         string      `json:"state"`
	PendingUpdate *update.Raw `json:"pendingUpdate"`
	Notice        string      `json:"notice"`
	Error         string      `json:"error"`
}

type chatPreview struct {
	TurnID  string          `json:"turnId"`
	Update  update.Raw      `json:"update"`
	Profile profile.Profile `json:"profile"`
}

// runChat sends message to session, streams the reply to out and then shows
// and optionally settles a proposed profile edit.
func runChat(ctx context.Context, c *apiClient, out io.Writer, session, message string, action chatAction) error {
	resp, err := c.post(ctx, sessionPath(session, "messages"), map[string]any{
		"message": message,
		"stream":  true,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return decodeJSON(resp, nil)
	}
	defer resp.Body.Close()

	printer := &replyPrinter{w: out}
	var (
		turn      chatTurn
		streamErr error
	)
	err = readEvents(resp.Body, func(ev sseEvent) error {
		switch ev.Name {
		case "delta":
			var d struct {
				Delta string `json:"delta"`
			}
			if err := json.Unmarshal([]byte(ev.Data), &d); err != nil {
				return fmt.Errorf("decoding delta: %w", err)
			}
			printer.write(d.Delta)
		case "turn":
			if err := json.Unmarshal([]byte(ev.Data), &turn); err != nil {
				return fmt.Errorf("decoding turn: %w", err)
			}
		case "error":
			var e apiError
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return fmt.Errorf("decoding error event: %w", err)
			}
			streamErr = errors.New(e.Error.Message)
		}
		return nil
	})
	printer.finish()
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}
	if streamErr != nil {
		return fmt.Errorf("coach reply failed: %w", streamErr)
	}

	switch turn.State {
	case "invalid":
		printWarning("%s: the coach proposed an edit that could not be used", turn.Notice)
		return nil
	case "pending":
	default:
		if action != actionNone {
			printWarning("No profile edit was proposed")
		}
		return nil
	}

	if err := showPreview(ctx, c, out, session); err != nil {
		return err
	}

	switch action {
	case actionApply:
		if err := settle(ctx, c, session, turn.ID, "apply"); err != nil {
			return err
		}
		printSuccess("Applied profile edit")
	case actionDecline:
		if err := settle(ctx, c, session, turn.ID, "decline"); err != nil {
			return err
		}
		printSuccess("Declined profile edit")
	default:
		printStatus("Turn", "%s (rerun with --apply or --decline)", turn.ID)
	}
	return nil
}

// showPreview prints the pending edit as a diff of the current profile
// against the profile it would produce.
func showPreview(ctx context.Context, c *apiClient, out io.Writer, session string) error {
	var preview chatPreview
	if err := c.getJSON(ctx, sessionPath(session, "preview"), &preview); err != nil {
		return fmt.Errorf("fetching preview: %w", err)
	}
	if preview.TurnID == "" {
		return nil
	}

	var current profile.Profile
	if err := c.getJSON(ctx, "/profile", &current); err != nil {
		return fmt.Errorf("fetching profile: %w", err)
	}

	fmt.Fprintf(out, "\n%s %s %s\n", colorize(colorBold, "Proposed edit:"), preview.Update.Action, preview.Update.Field)
	diff := profileDiff(current, preview.Profile)
	if diff == "" {
		fmt.Fprintln(out, colorize(colorDim, "  (no visible change)"))
		return nil
	}
	printDiff(out, diff)
	return nil
}

// profileDiff reports the coach-managed fields that differ. Item IDs are
// ignored since new items get fresh IDs when applied.
func profileDiff(current, next profile.Profile) string {
	return cmp.Diff(coachView(current), coachView(next))
}

type coachFields struct {
	Bio           string
	PromptAnswers []string
	FunFacts      []string
}

func coachView(p profile.Profile) coachFields {
	v := coachFields{Bio: p.Bio}
	for _, a := range p.PromptAnswers {
		v.PromptAnswers = append(v.PromptAnswers, a.PromptText+" | "+a.AnswerText)
	}
	for _, f := range p.FunFacts {
		v.FunFacts = append(v.FunFacts, f.Label+": "+f.Value)
	}
	return v
}

func settle(ctx context.Context, c *apiClient, session, turnID, verb string) error {
	resp, err := c.post(ctx, sessionPath(session, "turns", turnID, verb), nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// replyPrinter writes streamed reply text and holds back fenced blocks. A
// held block is printed at the end unless it is the profile update block.
type replyPrinter struct {
	w       io.Writer
	text    strings.Builder
	written int
	held    bool
	last    byte
}

const fence = "```"

func (p *replyPrinter) write(delta string) {
	p.text.WriteString(delta)
	if p.held {
		return
	}
	pending := p.text.String()[p.written:]
	if i := strings.Index(pending, fence); i >= 0 {
		p.emit(pending[:i])
		p.written += i
		p.held = true
		return
	}
	// A trailing backtick may start a fence split across deltas.
	n := len(strings.TrimRight(pending, "`"))
	p.emit(pending[:n])
	p.written += n
}

func (p *replyPrinter) emit(s string) {
	if s == "" {
		return
	}
	io.WriteString(p.w, s)
	p.last = s[len(s)-1]
}

func (p *replyPrinter) finish() {
	rest := p.text.String()[p.written:]
	if p.held && strings.Contains(firstLine(rest), update.BlockTag) {
		rest = afterBlock(rest)
	}
	p.emit(strings.TrimRight(rest, " \n"))
	if p.last != '\n' {
		io.WriteString(p.w, "\n")
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// afterBlock returns the text following the fenced block that s starts with.
func afterBlock(s string) string {
	body := s[len(fence):]
	i := strings.Index(body, fence)
	if i < 0 {
		return ""
	}
	return body[i+len(fence):]
}
