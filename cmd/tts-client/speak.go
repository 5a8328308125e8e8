package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/worker"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

const defaultSpeakTimeout = 5 * time.Minute

var (
	errNoInput           = errors.New("either --text or --line must be provided")
	errTextAndLines      = errors.New("cannot specify both --text and --line")
	errMalformedLine     = errors.New("dialogue lines must look like \"Speaker: text\"")
	errMalformedVoice    = errors.New("speaker voices must look like \"Speaker=VoiceID\"")
	errFulfillmentFailed = errors.New("fulfillment failed")
)

type speakOptions struct {
	text    string
	fileID  string
	folder  string
	userID  string
	lines   []string
	voices  []string
	timeout time.Duration
}

func newSpeakCmd(state *cliState) *cobra.Command {
	opts := &speakOptions{}

	cmd := &cobra.Command{
		Use:   "speak",
		Short: "Generate speech through the fulfillment service",
		Example: `  tts-client speak --text "Hello there" --voice Kore
  tts-client speak --line "Joe: Hi" --line "Jane: Hey" --voice Joe=Kore --voice Jane=Puck`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := opts.request()
			if err != nil {
				return err
			}

			return speak(cmd, state, req, opts.timeout)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.text, "text", "", "Text to convert to speech")
	flags.StringArrayVar(&opts.lines, "line", nil, "Dialogue line as \"Speaker: text\" (repeatable)")
	flags.StringArrayVar(&opts.voices, "voice", nil, "Voice ID, or \"Speaker=VoiceID\" per speaker (repeatable)")
	flags.StringVar(&opts.fileID, "file-id", "", "Object name for the audio (defaults to the workflow id)")
	flags.StringVar(&opts.folder, "folder", "", "Object store folder")
	flags.StringVar(&opts.userID, "user", "", "User the request is made for")
	flags.DurationVar(&opts.timeout, "timeout", defaultSpeakTimeout, "How long to wait for the result")

	return cmd
}

func (o *speakOptions) request() (core.Request, error) {
	if o.text == "" && len(o.lines) == 0 {
		return core.Request{}, errNoInput
	}

	if o.text != "" && len(o.lines) > 0 {
		return core.Request{}, errTextAndLines
	}

	lines, err := parseLines(o.lines)
	if err != nil {
		return core.Request{}, err
	}

	voice, err := parseVoices(o.voices)
	if err != nil {
		return core.Request{}, err
	}

	return core.Request{
		Text:   o.text,
		FileID: o.fileID,
		Folder: o.folder,
		UserID: o.userID,
		Voice:  voice,
		Lines:  lines,
	}, nil
}

func parseLines(raw []string) ([]core.DialogueLine, error) {
	lines := make([]core.DialogueLine, 0, len(raw))

	for _, entry := range raw {
		speaker, text, found := strings.Cut(entry, ":")
		if !found || strings.TrimSpace(speaker) == "" {
			return nil, fmt.Errorf("%w: %q", errMalformedLine, entry)
		}

		lines = append(lines, core.DialogueLine{
			Speaker: strings.TrimSpace(speaker),
			Text:    strings.TrimSpace(text),
		})
	}

	return lines, nil
}

// parseVoices accepts either one bare voice ID or Speaker=VoiceID pairs.
func parseVoices(raw []string) (core.VoiceSpec, error) {
	if len(raw) == 0 {
		return core.VoiceSpec{}, nil
	}

	if len(raw) == 1 && !strings.Contains(raw[0], "=") {
		return core.SingleVoice(raw[0]), nil
	}

	speakers := make([]core.SpeakerVoice, 0, len(raw))

	for _, entry := range raw {
		speaker, voiceID, found := strings.Cut(entry, "=")
		if !found || speaker == "" || voiceID == "" {
			return core.VoiceSpec{}, fmt.Errorf("%w: %q", errMalformedVoice, entry)
		}

		speakers = append(speakers, core.SpeakerVoice{Speaker: speaker, VoiceID: voiceID})
	}

	return core.MultiSpeaker(speakers...), nil
}

func speak(cmd *cobra.Command, state *cliState, req core.Request, timeout time.Duration) error {
	nc, err := nats.Connect(state.cfg.NATS.URL, nats.Name("tts-client"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", state.cfg.NATS.URL, err)
	}
	defer nc.Close()

	event := worker.NewRequestEvent(req, "")

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	state.log.Info("Sending workflow %s to %s", event.Header.WorkflowID, state.cfg.NATS.FulfillmentSubject)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	reply, err := nc.RequestWithContext(ctx, state.cfg.NATS.FulfillmentSubject, payload)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", state.cfg.NATS.FulfillmentSubject, err)
	}

	var resultEvent worker.FulfillmentResultEvent

	err = json.Unmarshal(reply.Data, &resultEvent)
	if err != nil {
		return fmt.Errorf("failed to parse reply: %w", err)
	}

	result := resultEvent.Result
	if !result.Success {
		state.log.Warn("Workflow %s failed: %s", event.Header.WorkflowID, result.Error)

		for _, detail := range result.Details {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", detail)
		}

		return fmt.Errorf("%w: %s (%s)", errFulfillmentFailed, result.Error, result.Kind)
	}

	state.log.Info("Workflow %s stored at %s", event.Header.WorkflowID, result.AudioURL)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\nkey: %s, characters: %d, took %dms\n",
		result.AudioURL, result.UsedKey, result.CharactersUsed, result.DurationMs)

	return nil
}
