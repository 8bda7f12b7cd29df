package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	speakVoice     string
	speakSpeed     float64
	speakOutput    string
	speakClipboard bool
	speakJSON      bool
	speakID        string

	speakCmd = &cobra.Command{
		Use:   "speak [TEXT...]",
		Short: "Synthesize text once through the configured backend",
		Long: paragraph(fmt.Sprintf("\n%s text through the dispatcher without starting the daemon. Text comes from the arguments, stdin or the clipboard.",
			keyword("Speak"))),
		Example: paragraph("ttsd speak \"Hello there\" -o hello.mp3\necho hi | ttsd speak --voice nova\nttsd speak --clipboard"),
		RunE:    runSpeak,
	}
)

func init() {
	speakCmd.Flags().StringVar(&speakVoice, "voice", "", "voice override")
	speakCmd.Flags().Float64Var(&speakSpeed, "speed", 0, "speed override between 0.1 and 3.0")
	speakCmd.Flags().StringVarP(&speakOutput, "output", "o", "", "write audio to file (- for stdout)")
	speakCmd.Flags().BoolVarP(&speakClipboard, "clipboard", "c", false, "read text from the clipboard")
	speakCmd.Flags().BoolVar(&speakJSON, "json", false, "print the response as JSON")
	speakCmd.Flags().StringVar(&speakID, "id", "", "request id (generated when empty)")
}

func runSpeak(cmd *cobra.Command, args []string) error {
	text, err := speakText(args)
	if err != nil {
		return err
	}

	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	st, err := newStack(s)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	req := &ttypes.TTSRequest{RequestID: speakID, Text: text}
	if speakVoice != "" || speakSpeed != 0 {
		req.Settings = &ttypes.RequestSettings{Voice: speakVoice, Speed: speakSpeed}
	}

	resp := st.dispatcher.ProcessRequest(cmd.Context(), req)
	if speakJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	if !resp.Success {
		return resp.Err()
	}

	if len(resp.Audio) > 0 {
		if err := writeAudio(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
	}
	if !speakJSON && (speakOutput != "-" || len(resp.Audio) == 0) {
		printSpeakSummary(cmd.ErrOrStderr(), resp)
	}
	return nil
}

// speakText picks the input: clipboard, then arguments, then piped stdin.
func speakText(args []string) (string, error) {
	switch {
	case speakClipboard:
		text, err := clipboard.ReadAll()
		if err != nil {
			return "", fmt.Errorf("unable to read clipboard: %w", err)
		}
		return text, nil
	case len(args) == 1 && args[0] == "-":
		return readStdin()
	case len(args) > 0:
		return strings.Join(args, " "), nil
	}

	if yes, err := stdinIsPipe(); err != nil {
		return "", err
	} else if yes {
		return readStdin()
	}
	return "", errors.New("missing text: pass it as arguments, pipe it on stdin or use --clipboard")
}

func readStdin() (string, error) {
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("unable to read from stdin: %w", err)
	}
	return string(b), nil
}

func stdinIsPipe() (bool, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false, fmt.Errorf("unable to open file: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice == 0 || stat.Size() > 0 {
		return true, nil
	}
	return false, nil
}

// writeAudio writes the payload to --output, or to stdout when it is not
// a terminal.
func writeAudio(stdout io.Writer, resp *ttypes.TTSResponse) error {
	switch {
	case speakOutput == "-":
		_, err := stdout.Write(resp.Audio)
		return err
	case speakOutput != "":
		if err := os.WriteFile(speakOutput, resp.Audio, 0o644); err != nil { //nolint:gosec
			return fmt.Errorf("unable to write audio: %w", err)
		}
		return nil
	case !stdoutIsTerminal() && !speakJSON:
		_, err := stdout.Write(resp.Audio)
		return err
	default:
		return errors.New("refusing to write audio to a terminal: use --output")
	}
}

func printSpeakSummary(w io.Writer, resp *ttypes.TTSResponse) {
	lines := []string{
		row("Request", resp.RequestID),
		row("Attempts", fmt.Sprint(resp.AttemptCount+1)),
		row("Took", resp.ProcessingTime.Round(time.Millisecond).String()),
		row("Estimated", (time.Duration(resp.EstimatedDurationMs) * time.Millisecond).String()),
	}
	if len(resp.Audio) > 0 {
		lines = append(lines, row("Audio", fmt.Sprintf("%s %s", humanize.Bytes(uint64(len(resp.Audio))), resp.Format)))
	}
	if resp.Cached {
		lines = append(lines, row("Cache", yesNo(true, "hit", "")))
	}
	if speakOutput != "" && speakOutput != "-" {
		lines = append(lines, row("Written to", speakOutput))
	}
	_, _ = fmt.Fprintln(w, strings.Join(lines, "\n"))
}
