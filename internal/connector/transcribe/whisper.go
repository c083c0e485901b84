package transcribe

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const defaultWhisperBinary = "whisper"

// Whisper shells out to a local whisper CLI and reads its JSON output.
type Whisper struct{}

type whisperOutput struct {
	Language string `json:"language"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func (w *Whisper) Transcribe(ctx context.Context, mediaPath, _ string, cfg Config) (Result, error) {
	bin := cfg.WhisperBinary
	if bin == "" {
		bin = defaultWhisperBinary
	}
	outDir, err := os.MkdirTemp("", "whisper-*")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(outDir)

	args := []string{mediaPath, "--output_format", "json", "--output_dir", outDir}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.Language != "" {
		args = append(args, "--language", cfg.Language)
	}

	cmd := exec.CommandContext(ctx, bin, args...) // #nosec G204 -- binary and media come from source config
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, errors.Mark(
			errors.Wrapf(err, "whisper: %s", strings.TrimSpace(lastLine(string(out)))),
			ErrJobFailed)
	}

	base := strings.TrimSuffix(filepath.Base(mediaPath), filepath.Ext(mediaPath))
	raw, err := os.ReadFile(filepath.Join(outDir, base+".json")) // #nosec G304 -- path under our temp dir
	if err != nil {
		return Result{}, errors.Wrap(err, "whisper: read output")
	}
	return parseWhisper(raw)
}

func parseWhisper(raw []byte) (Result, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, errors.Wrap(err, "whisper: decode output")
	}
	res := Result{Language: out.Language}
	for _, s := range out.Segments {
		seg := Segment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)}
		if s.AvgLogprob != 0 {
			c := math.Exp(s.AvgLogprob)
			seg.Confidence = &c
		}
		res.Segments = append(res.Segments, seg)
	}
	return res, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
